// Package credits computes the cost of bot runtime. Balances are kept
// as centicredits (int64 hundredths of a credit) so accounting is exact.
package credits

import (
	"github.com/notewell/attend/pkg/models"
)

// Per-hour rates in centicredits. Recording a meeting costs more than
// observing one; native SDK bots are cheaper to run than browser bots.
const (
	rateAudioVideoPerHour  int64 = 100
	rateAudioOnlyPerHour   int64 = 75
	rateNoRecordingPerHour int64 = 50
	rateRTMSPerHour        int64 = 25
)

// RatePerHour returns the centicredit rate for one bot-hour.
func RatePerHour(platform models.Platform, recordingType models.RecordingType) int64 {
	if platform == models.PlatformZoomRTMS {
		return rateRTMSPerHour
	}
	switch recordingType {
	case models.RecordingTypeAudioAndVideo:
		return rateAudioVideoPerHour
	case models.RecordingTypeAudioOnly:
		return rateAudioOnlyPerHour
	default:
		return rateNoRecordingPerHour
	}
}

// Cost computes the centicredits consumed by a bot run, rounding up so
// any nonzero runtime costs at least one centicredit.
func Cost(platform models.Platform, recordingType models.RecordingType, durationMs int64) int64 {
	if durationMs <= 0 {
		return 0
	}
	rate := RatePerHour(platform, recordingType)
	const msPerHour = int64(3_600_000)
	return (durationMs*rate + msPerHour - 1) / msPerHour
}

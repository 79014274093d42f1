package credits

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notewell/attend/pkg/models"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name          string
		platform      models.Platform
		recordingType models.RecordingType
		durationMs    int64
		expected      int64
	}{
		{
			name:          "one hour of audio and video",
			platform:      models.PlatformGoogleMeet,
			recordingType: models.RecordingTypeAudioAndVideo,
			durationMs:    3_600_000,
			expected:      100,
		},
		{
			name:          "half hour audio only",
			platform:      models.PlatformZoomWeb,
			recordingType: models.RecordingTypeAudioOnly,
			durationMs:    1_800_000,
			expected:      38, // 37.5 rounds up
		},
		{
			name:          "rtms flat rate ignores recording type",
			platform:      models.PlatformZoomRTMS,
			recordingType: models.RecordingTypeAudioAndVideo,
			durationMs:    3_600_000,
			expected:      25,
		},
		{
			name:          "one second still costs something",
			platform:      models.PlatformTeams,
			recordingType: models.RecordingTypeNoRecording,
			durationMs:    1_000,
			expected:      1,
		},
		{
			name:          "zero duration is free",
			platform:      models.PlatformZoomNative,
			recordingType: models.RecordingTypeAudioAndVideo,
			durationMs:    0,
			expected:      0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Cost(tt.platform, tt.recordingType, tt.durationMs))
		})
	}
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Auto-leave and pipeline defaults. Durations are serialized as seconds in
// the settings JSON so API clients never deal with Go duration strings.
const (
	DefaultOnlyParticipantTimeout = 60 * time.Second
	DefaultSilenceTimeout         = 600 * time.Second
	DefaultMaxDuration            = 4 * time.Hour
	DefaultWaitingRoomTimeout     = 900 * time.Second
)

// ViewLayout selects the video compositor policy.
type ViewLayout string

const (
	ViewSpeaker ViewLayout = "speaker_view"
	ViewGallery ViewLayout = "gallery_view"
)

// AutoLeaveSettings configures the continuously evaluated leave policies.
// Zero values mean "use default"; a negative value disables the policy.
type AutoLeaveSettings struct {
	OnlyParticipantSeconds int `json:"only_participant_in_meeting_timeout_seconds,omitempty"`
	SilenceSeconds         int `json:"silence_timeout_seconds,omitempty"`
	MaxDurationSeconds     int `json:"max_duration_seconds,omitempty"`
	WaitingRoomSeconds     int `json:"waiting_room_timeout_seconds,omitempty"`
}

// TranscriptionSettings selects the ASR provider for the bot.
type TranscriptionSettings struct {
	Provider string `json:"provider,omitempty"` // "deepgram" (default) or "none"
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

// BotSettings is the per-bot configuration JSON column.
type BotSettings struct {
	RecordingType         RecordingType         `json:"recording_type,omitempty"`
	RecordingFormat       RecordingFormat       `json:"recording_format,omitempty"`
	View                  ViewLayout            `json:"view,omitempty"`
	AutoStartRecording    *bool                 `json:"auto_start_recording,omitempty"`
	PerParticipantAudio   bool                  `json:"per_participant_audio,omitempty"`
	AutoLeave             AutoLeaveSettings     `json:"auto_leave,omitempty"`
	Transcription         TranscriptionSettings `json:"transcription,omitempty"`
}

// Value implements driver.Valuer.
func (s BotSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *BotSettings) Scan(src any) error {
	if src == nil {
		*s = BotSettings{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported settings source type %T", src)
	}
	return json.Unmarshal(data, s)
}

// Normalize fills defaults and validates the capability combination.
// The valid combinations form a closed set; anything else is a
// configuration error surfaced as FATAL_ERROR.config_invalid at STAGED.
func (s *BotSettings) Normalize() error {
	if s.RecordingType == "" {
		s.RecordingType = RecordingTypeAudioAndVideo
	}
	if s.RecordingFormat == "" {
		switch s.RecordingType {
		case RecordingTypeAudioOnly:
			s.RecordingFormat = RecordingFormatMP3
		case RecordingTypeNoRecording:
			s.RecordingFormat = RecordingFormatNone
		default:
			s.RecordingFormat = RecordingFormatMP4
		}
	}
	if s.View == "" {
		s.View = ViewSpeaker
	}
	if s.Transcription.Provider == "" {
		s.Transcription.Provider = "deepgram"
	}

	switch s.RecordingType {
	case RecordingTypeAudioAndVideo:
		if s.RecordingFormat != RecordingFormatMP4 && s.RecordingFormat != RecordingFormatWebM {
			return fmt.Errorf("recording_type %q requires mp4 or webm format, got %q", s.RecordingType, s.RecordingFormat)
		}
	case RecordingTypeAudioOnly:
		if s.RecordingFormat != RecordingFormatMP3 {
			return fmt.Errorf("recording_type %q requires mp3 format, got %q", s.RecordingType, s.RecordingFormat)
		}
	case RecordingTypeNoRecording:
		if s.RecordingFormat != RecordingFormatNone {
			return fmt.Errorf("recording_type %q forbids an output format, got %q", s.RecordingType, s.RecordingFormat)
		}
	default:
		return fmt.Errorf("unknown recording_type %q", s.RecordingType)
	}
	if s.View != ViewSpeaker && s.View != ViewGallery {
		return fmt.Errorf("unknown view %q", s.View)
	}
	return nil
}

// AutoStart reports whether recording starts automatically on admission.
// Defaults to true.
func (s BotSettings) AutoStart() bool {
	if s.AutoStartRecording == nil {
		return true
	}
	return *s.AutoStartRecording
}

// timeout resolves a seconds value against a default. Negative disables.
func timeout(seconds int, def time.Duration) (time.Duration, bool) {
	if seconds < 0 {
		return 0, false
	}
	if seconds == 0 {
		return def, true
	}
	return time.Duration(seconds) * time.Second, true
}

// OnlyParticipantTimeout returns the only-participant auto-leave threshold.
func (a AutoLeaveSettings) OnlyParticipantTimeout() (time.Duration, bool) {
	return timeout(a.OnlyParticipantSeconds, DefaultOnlyParticipantTimeout)
}

// SilenceTimeout returns the silence auto-leave threshold.
func (a AutoLeaveSettings) SilenceTimeout() (time.Duration, bool) {
	return timeout(a.SilenceSeconds, DefaultSilenceTimeout)
}

// MaxDuration returns the hard meeting-duration cap.
func (a AutoLeaveSettings) MaxDuration() (time.Duration, bool) {
	return timeout(a.MaxDurationSeconds, DefaultMaxDuration)
}

// WaitingRoomTimeout returns the admission-wait threshold.
func (a AutoLeaveSettings) WaitingRoomTimeout() (time.Duration, bool) {
	return timeout(a.WaitingRoomSeconds, DefaultWaitingRoomTimeout)
}

// PlatformFromURL maps a meeting URL to its platform. The mapping is a pure
// function over the URL host; unknown hosts default to Zoom Web, which can
// join by URL without native SDK credentials.
func PlatformFromURL(meetingURL string) Platform {
	u, err := url.Parse(meetingURL)
	if err != nil {
		return PlatformZoomWeb
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.HasSuffix(host, "meet.google.com"):
		return PlatformGoogleMeet
	case strings.HasSuffix(host, "teams.microsoft.com"), strings.HasSuffix(host, "teams.live.com"):
		return PlatformTeams
	case strings.HasSuffix(host, "zoom.us"), strings.HasSuffix(host, "zoomgov.com"):
		return PlatformZoomNative
	default:
		return PlatformZoomWeb
	}
}

// Package adapter defines the meeting-platform boundary. An adapter
// joins a meeting and translates platform I/O into a typed event stream;
// everything above it (pipeline, transcription, lifecycle) is
// platform-agnostic.
package adapter

import (
	"context"

	"github.com/notewell/attend/pkg/models"
)

// OpenOptions carries everything an adapter needs to join.
type OpenOptions struct {
	BotID       string
	MeetingURL  string
	DisplayName string
	Settings    models.BotSettings

	// Credentials holds decrypted provider secrets keyed by provider,
	// populated from the project's credential store.
	Credentials map[models.CredentialProvider][]byte
}

// Adapter joins meetings on one platform.
type Adapter interface {
	Platform() models.Platform

	// Open joins the meeting and starts the event stream. The returned
	// Conn must be closed even when Open's context is cancelled later.
	Open(ctx context.Context, opts OpenOptions) (Conn, error)
}

// Conn is one live meeting connection.
type Conn interface {
	// Events returns the event stream. The channel closes after a
	// terminal event (MeetingEnded, Kicked, Fatal) or Close.
	Events() <-chan Event

	// Leave announces departure to the platform and winds the
	// connection down gracefully.
	Leave(ctx context.Context) error

	// Close tears the connection down immediately.
	Close() error
}

// Event is one item on the meeting event stream.
type Event interface {
	isEvent()
}

// Admitted signals the bot entered the meeting proper.
type Admitted struct {
	TimestampMS int64
}

// AdmissionRejected signals the host denied entry. Terminal.
type AdmissionRejected struct {
	Reason string
}

// MeetingEnded signals the meeting ended for everyone. Terminal.
type MeetingEnded struct {
	TimestampMS int64
}

// Kicked signals the bot was removed by the host. Terminal.
type Kicked struct {
	TimestampMS int64
}

// Fatal signals an unrecoverable platform error. Terminal.
type Fatal struct {
	Err error
}

// ParticipantUpdate reports a join or leave with identity details.
type ParticipantUpdate struct {
	UUID        string
	UserUUID    string
	FullName    string
	IsHost      bool
	IsTheBot    bool
	Joined      bool
	TimestampMS int64
}

// SpeechActivity reports a participant starting or stopping speech as
// detected by the platform.
type SpeechActivity struct {
	ParticipantUUID string
	Speaking        bool
	TimestampMS     int64
}

// ScreenshareActivity reports a participant starting or stopping a share.
type ScreenshareActivity struct {
	ParticipantUUID string
	Sharing         bool
	TimestampMS     int64
}

// AudioFrame carries 48 kHz mono s16le PCM for one participant.
type AudioFrame struct {
	ParticipantUUID string
	PCM             []byte
	TimestampMS     int64
}

// VideoFrame carries one encoded video frame for one participant.
type VideoFrame struct {
	ParticipantUUID string
	Data            []byte
	TimestampMS     int64
}

// ChatMessage carries one chat line.
type ChatMessage struct {
	ParticipantUUID string
	Text            string
	TimestampMS     int64
}

func (Admitted) isEvent()            {}
func (AdmissionRejected) isEvent()   {}
func (MeetingEnded) isEvent()        {}
func (Kicked) isEvent()              {}
func (Fatal) isEvent()               {}
func (ParticipantUpdate) isEvent()   {}
func (SpeechActivity) isEvent()      {}
func (ScreenshareActivity) isEvent() {}
func (AudioFrame) isEvent()          {}
func (VideoFrame) isEvent()          {}
func (ChatMessage) isEvent()         {}

// IsTerminal reports whether the event ends the stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case MeetingEnded, Kicked, Fatal, AdmissionRejected:
		return true
	}
	return false
}

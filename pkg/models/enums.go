package models

// BotState is the lifecycle state of a bot. Transitions between states are
// validated by pkg/lifecycle; every change is recorded as a BotEvent.
type BotState string

// Bot lifecycle states.
const (
	BotStateScheduled           BotState = "scheduled"
	BotStateReady               BotState = "ready"
	BotStateStaged              BotState = "staged"
	BotStateJoining             BotState = "joining"
	BotStateJoinedNotRecording  BotState = "joined_not_recording"
	BotStateJoinedRecording     BotState = "joined_recording"
	BotStatePaused              BotState = "paused"
	BotStateLeaving             BotState = "leaving"
	BotStatePostProcessing      BotState = "post_processing"
	BotStateEnded               BotState = "ended"
	BotStateFatalError          BotState = "fatal_error"
)

// IsTerminal reports whether the state admits no further transitions.
func (s BotState) IsTerminal() bool {
	return s == BotStateEnded || s == BotStateFatalError
}

// BotSubState carries the diagnostic reason for a state.
type BotSubState string

// Diagnostic sub-states.
const (
	SubStateMeetingEnded      BotSubState = "meeting_ended"
	SubStateKicked            BotSubState = "kicked"
	SubStateLeaveRequested    BotSubState = "leave_requested"
	SubStateOnlyParticipant   BotSubState = "auto_leave_only_participant"
	SubStateSilence           BotSubState = "auto_leave_silence"
	SubStateMaxDuration       BotSubState = "auto_leave_max_duration"
	SubStateWaitingRoom       BotSubState = "auto_leave_waiting_room_timeout"
	SubStateAdapterCrash      BotSubState = "adapter_crash"
	SubStateConfigInvalid     BotSubState = "config_invalid"
	SubStateHeartbeatTimeout  BotSubState = "heartbeat_timeout"
	SubStateLaunchFailed      BotSubState = "launch_failed"
	SubStateUploadFailed      BotSubState = "upload_failed"
	SubStateRejected          BotSubState = "admission_rejected"
	SubStateShutdownTimeout   BotSubState = "shutdown_timeout"
)

// BotKind discriminates ordinary meeting bots from RTMS app sessions,
// which share the table, the state machine, and all child relations.
type BotKind string

const (
	BotKindMeetingBot BotKind = "meeting_bot"
	BotKindAppSession BotKind = "app_session"
)

// Platform identifies the meeting platform, derived from the meeting URL.
type Platform string

const (
	PlatformZoomNative Platform = "zoom_native"
	PlatformZoomWeb    Platform = "zoom_web"
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
	PlatformZoomRTMS   Platform = "zoom_rtms"
)

// RecordingState is the lifecycle state of a recording artifact.
type RecordingState string

const (
	RecordingStateNotStarted RecordingState = "not_started"
	RecordingStateInProgress RecordingState = "in_progress"
	RecordingStatePaused     RecordingState = "paused"
	RecordingStateComplete   RecordingState = "complete"
	RecordingStateSkipped    RecordingState = "skipped"
	RecordingStateFailed     RecordingState = "failed"
)

// TranscriptionState tracks the transcription side of a recording.
type TranscriptionState string

const (
	TranscriptionStateNotStarted TranscriptionState = "not_started"
	TranscriptionStateInProgress TranscriptionState = "in_progress"
	TranscriptionStateComplete   TranscriptionState = "complete"
	TranscriptionStateFailed     TranscriptionState = "failed"
)

// RecordingType selects what the pipeline captures.
type RecordingType string

const (
	RecordingTypeAudioAndVideo RecordingType = "audio_and_video"
	RecordingTypeAudioOnly     RecordingType = "audio_only"
	RecordingTypeNoRecording   RecordingType = "no_recording"
)

// RecordingFormat is the container for the primary artifact.
type RecordingFormat string

const (
	RecordingFormatMP4  RecordingFormat = "mp4"
	RecordingFormatMP3  RecordingFormat = "mp3"
	RecordingFormatWebM RecordingFormat = "webm"
	RecordingFormatNone RecordingFormat = "none"
)

// ParticipantEventType classifies participant activity.
type ParticipantEventType string

const (
	ParticipantEventJoin             ParticipantEventType = "join"
	ParticipantEventLeave            ParticipantEventType = "leave"
	ParticipantEventSpeechStart      ParticipantEventType = "speech_start"
	ParticipantEventSpeechStop       ParticipantEventType = "speech_stop"
	ParticipantEventScreenshareStart ParticipantEventType = "screenshare_start"
	ParticipantEventScreenshareStop  ParticipantEventType = "screenshare_stop"
)

// WebhookTrigger is a subscribable event class.
type WebhookTrigger string

const (
	TriggerBotStateChange       WebhookTrigger = "bot.state_change"
	TriggerTranscriptUpdate     WebhookTrigger = "transcript.update"
	TriggerChatMessagesUpdate   WebhookTrigger = "chat_messages.update"
	TriggerParticipantJoinLeave WebhookTrigger = "participant_events.join_leave"
	TriggerParticipantSpeech    WebhookTrigger = "participant_events.speech"
	TriggerCreditsLow           WebhookTrigger = "organization.credits_low"
)

// DeliveryStatus is the state of one webhook delivery attempt record.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailure DeliveryStatus = "failure"
)

// CredentialProvider keys an encrypted credential within a project.
type CredentialProvider string

const (
	CredentialZoomOAuth  CredentialProvider = "zoom_oauth"
	CredentialDeepgram   CredentialProvider = "deepgram"
	CredentialTeamsSDK   CredentialProvider = "teams_sdk"
	CredentialGoogleMeet CredentialProvider = "google_meet"
	CredentialStorage    CredentialProvider = "object_storage"
)

// BotEventType classifies a lifecycle transition for the append-only log.
type BotEventType string

const (
	BotEventJoinRequested    BotEventType = "join_requested"
	BotEventReady            BotEventType = "ready"
	BotEventStaged           BotEventType = "staged"
	BotEventJoinStarted      BotEventType = "join_started"
	BotEventAdmitted         BotEventType = "admitted"
	BotEventRecordingStarted BotEventType = "recording_started"
	BotEventRecordingPaused  BotEventType = "recording_paused"
	BotEventRecordingResumed BotEventType = "recording_resumed"
	BotEventLeaveStarted     BotEventType = "leave_started"
	BotEventPostProcessing   BotEventType = "post_processing_started"
	BotEventEnded            BotEventType = "ended"
	BotEventFatalError       BotEventType = "fatal_error"
)

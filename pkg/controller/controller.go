// Package controller runs one bot end to end: it claims the staged bot
// row, joins the meeting through the platform adapter, feeds the media
// pipeline and the transcription coordinator, evaluates auto-leave
// policies, and settles the recording, billing, and terminal webhooks on
// the way out. One controller process per bot; liveness is reported
// through heartbeats on the bot row.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/adapter"
	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/database"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/metrics"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/pipeline"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/transcription"
	"github.com/notewell/attend/pkg/uploader"
	"github.com/notewell/attend/pkg/webhook"
)

// stagedWait bounds how long the worker waits for the dispatcher to
// commit the staged transition after launching us.
const (
	stagedWaitTimeout = 15 * time.Second
	stagedPollEvery   = 500 * time.Millisecond

	reconcileEvery = 2 * time.Second
	autoLeaveEvery = time.Second
)

// Deps bundles the controller's collaborators.
type Deps struct {
	DB            *database.Client
	Worker        config.WorkerConfig
	Transcription config.TranscriptionConfig
	Engine        *lifecycle.Engine
	Adapters      *adapter.Registry
	Uploader      *uploader.Uploader
	Recordings    *services.RecordingService
	Participants  *services.ParticipantService
	Utterances    *services.UtteranceService
	Chats         *services.ChatService
	Credentials   *services.CredentialService
	Credits       *services.CreditService
	Enqueuer      *webhook.Enqueuer
	Metrics       *metrics.Metrics
}

// Controller drives one bot.
type Controller struct {
	deps Deps

	bot  *models.Bot
	rec  *models.Recording
	conn adapter.Conn
	pipe *pipeline.Pipeline
	asr  *transcription.Coordinator

	mu               sync.Mutex
	roster           map[string]*models.Participant
	present          map[string]bool // non-bot participants currently in the meeting
	admitted         bool
	admittedAt       time.Time
	leftAt           time.Time
	joinStartedAt    time.Time
	paused           bool
	recordingStarted bool
	aloneSince       time.Time
}

// New creates a controller.
func New(deps Deps) *Controller {
	if deps.DB == nil {
		panic("controller.New: db must not be nil")
	}
	if deps.Engine == nil {
		panic("controller.New: engine must not be nil")
	}
	if deps.Adapters == nil {
		panic("controller.New: adapters must not be nil")
	}
	return &Controller{
		deps:    deps,
		roster:  make(map[string]*models.Participant),
		present: make(map[string]bool),
	}
}

// Run executes the bot from staged to a terminal state. It returns nil
// when the bot reached a terminal state, even fatal_error: the terminal
// state itself carries the diagnosis.
func (c *Controller) Run(ctx context.Context, botID string) error {
	bot, err := c.waitForStaged(ctx, botID)
	if err != nil {
		return err
	}
	c.bot = bot
	slog.Info("Worker attached", "bot_id", bot.ID, "platform", bot.Platform())

	if err := bot.Settings.Normalize(); err != nil {
		c.failFatal(ctx, models.SubStateConfigInvalid, err.Error())
		return nil
	}

	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStateJoining,
		EventType: models.BotEventJoinStarted,
		From:      []models.BotState{models.BotStateStaged},
	}); err != nil {
		if errors.Is(err, lifecycle.ErrRejected) {
			slog.Warn("Bot already claimed by another worker", "bot_id", bot.ID)
			return nil
		}
		return err
	}
	c.joinStartedAt = time.Now()

	if err := c.ensureRecording(ctx); err != nil {
		c.failFatal(ctx, models.SubStateConfigInvalid, err.Error())
		return nil
	}

	pipeCtx, cancelPipe := context.WithCancel(ctx)
	defer cancelPipe()
	if err := c.buildPipeline(pipeCtx); err != nil {
		c.failFatal(ctx, models.SubStateConfigInvalid, err.Error())
		return nil
	}
	c.buildTranscription(ctx)

	conn, err := c.join(ctx)
	if err != nil {
		c.pipe.Abort()
		c.failFatal(ctx, models.SubStateAdapterCrash, err.Error())
		return nil
	}
	c.conn = conn

	pipeErr := make(chan error, 1)
	go func() { pipeErr <- c.pipe.Run(pipeCtx) }()

	outcome := c.eventLoop(ctx, pipeErr)
	cancelPipe()
	<-pipeErr

	if outcome.fatal {
		c.failFatal(ctx, outcome.sub, outcome.reason)
		return nil
	}
	c.shutdown(ctx, outcome)
	return nil
}

// waitForStaged polls for the dispatcher's staged commit. The dispatcher
// launches before staging, so a freshly started worker can observe the
// bot still in ready for a moment.
func (c *Controller) waitForStaged(ctx context.Context, botID string) (*models.Bot, error) {
	deadline := time.Now().Add(stagedWaitTimeout)
	for {
		var bot models.Bot
		err := c.deps.DB.GetContext(ctx, &bot, `SELECT * FROM bots WHERE id = $1`, botID)
		if err != nil {
			return nil, fmt.Errorf("load bot %s: %w", botID, err)
		}
		switch bot.State {
		case models.BotStateStaged:
			return &bot, nil
		case models.BotStateReady:
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("bot %s never reached staged", botID)
			}
		default:
			return nil, fmt.Errorf("bot %s in unexpected state %s", botID, bot.State)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stagedPollEvery):
		}
	}
}

func (c *Controller) ensureRecording(ctx context.Context) error {
	rec, err := c.deps.Recordings.GetDefault(ctx, c.bot.ID)
	if errors.Is(err, services.ErrNotFound) {
		rec, err = c.deps.Recordings.CreateDefault(ctx, c.bot)
	}
	if err != nil {
		return fmt.Errorf("prepare recording: %w", err)
	}
	c.rec = rec
	return nil
}

// buildPipeline opens the encoder sinks. With no_recording the pipeline
// still runs on a discard sink so silence detection and the duration
// clock stay live.
func (c *Controller) buildPipeline(ctx context.Context) error {
	settings := c.bot.Settings
	var sink pipeline.Sink
	if settings.RecordingType == models.RecordingTypeNoRecording {
		sink = discardSink{}
	} else {
		path := filepath.Join(c.deps.Worker.TempDir,
			c.bot.ObjectID+"."+string(settings.RecordingFormat))
		ffmpeg, err := pipeline.NewFFmpegSink(ctx, settings.RecordingFormat, path)
		if err != nil {
			return fmt.Errorf("open encoder: %w", err)
		}
		sink = ffmpeg
	}

	cfg := pipeline.Config{
		RecordingType: settings.RecordingType,
		View:          settings.View,
		Sink:          sink,
	}
	if settings.PerParticipantAudio && settings.RecordingType != models.RecordingTypeNoRecording {
		cfg.ParticipantSinkFactory = func(participantUUID string) (pipeline.Sink, error) {
			path := filepath.Join(c.deps.Worker.TempDir,
				c.bot.ObjectID+"-"+participantUUID+".mp3")
			return pipeline.NewFFmpegSink(ctx, models.RecordingFormatMP3, path)
		}
	}

	pipe, err := pipeline.New(cfg)
	if err != nil {
		sink.Abort()
		return err
	}
	c.pipe = pipe
	return nil
}

// buildTranscription wires the ASR coordinator when the bot wants it and
// the project holds a provider key. Missing keys degrade to no
// transcription rather than failing the bot.
func (c *Controller) buildTranscription(ctx context.Context) {
	settings := c.bot.Settings.Transcription
	if settings.Provider == "none" || c.deps.Credentials == nil {
		return
	}
	key, err := c.deps.Credentials.Fetch(ctx, c.bot.ProjectID, models.CredentialDeepgram)
	if err != nil {
		slog.Warn("Transcription disabled, no provider credential",
			"bot_id", c.bot.ID, "error", err)
		return
	}
	provider := transcription.NewDeepgramProvider(c.deps.Transcription, string(key), settings)
	c.asr = transcription.NewCoordinator(transcription.Config{
		Provider:     provider,
		QueueFrames:  c.deps.Transcription.QueueFrames,
		IdleTimeout:  c.deps.Transcription.IdleTimeout,
		FlushTimeout: c.deps.Worker.FlushTimeout,
		OnUtterance:  c.onUtterance,
		OnGap:        c.onGap,
		OnOverflow: func() {
			if c.deps.Metrics != nil {
				c.deps.Metrics.TranscriptionOverflows.WithLabelValues(provider.Name()).Inc()
			}
		},
	})
	if err := c.deps.Recordings.SetTranscriptionState(ctx, c.rec.ID, models.TranscriptionStateInProgress); err != nil {
		slog.Warn("Failed to mark transcription in progress", "bot_id", c.bot.ID, "error", err)
	}
}

func (c *Controller) join(ctx context.Context) (adapter.Conn, error) {
	ad, err := c.deps.Adapters.ForPlatform(c.bot.Platform())
	if err != nil {
		return nil, err
	}
	return ad.Open(ctx, adapter.OpenOptions{
		BotID:       c.bot.ID,
		MeetingURL:  c.bot.MeetingURL,
		DisplayName: c.bot.Name,
		Settings:    c.bot.Settings,
		Credentials: c.fetchCredentials(ctx),
	})
}

func (c *Controller) fetchCredentials(ctx context.Context) map[models.CredentialProvider][]byte {
	creds := make(map[models.CredentialProvider][]byte)
	if c.deps.Credentials == nil {
		return creds
	}
	for _, provider := range []models.CredentialProvider{
		models.CredentialZoomOAuth,
		models.CredentialTeamsSDK,
		models.CredentialGoogleMeet,
	} {
		secret, err := c.deps.Credentials.Fetch(ctx, c.bot.ProjectID, provider)
		if err != nil {
			continue
		}
		creds[provider] = secret
	}
	return creds
}

// transitionAndNotify applies a transition and enqueues its state-change
// webhook in the same transaction.
func (c *Controller) transitionAndNotify(ctx context.Context, req lifecycle.Request) (*models.Bot, error) {
	var bot *models.Bot
	err := c.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		bot, txErr = lifecycle.TransitionTx(ctx, tx, c.bot.ID, req)
		if txErr != nil {
			return txErr
		}
		if c.deps.Enqueuer != nil {
			return c.deps.Enqueuer.EnqueueTx(ctx, tx, c.bot.ProjectID, bot,
				models.TriggerBotStateChange, webhook.StateChangeData(bot))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.deps.Metrics != nil {
		sub := ""
		if bot.SubState != nil {
			sub = string(*bot.SubState)
		}
		c.deps.Metrics.BotTransitions.WithLabelValues(string(bot.State), sub).Inc()
	}
	c.bot.State = bot.State
	c.bot.SubState = bot.SubState
	return bot, nil
}

// markLeft pins the billing clock to the moment the meeting connection
// ended. The first call wins; later teardown steps never extend the
// billed window.
func (c *Controller) markLeft() {
	c.mu.Lock()
	if c.leftAt.IsZero() {
		c.leftAt = time.Now()
	}
	c.mu.Unlock()
}

// billableMS returns the admitted-to-disconnect span in milliseconds.
// Upload and finalize time after the disconnect is not billed.
func (c *Controller) billableMS() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.admitted {
		return 0, false
	}
	end := c.leftAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.admittedAt).Milliseconds(), true
}

// meetingTS returns the meeting-relative timestamp in milliseconds.
// Zero until admission.
func (c *Controller) meetingTS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.admitted {
		return 0
	}
	return time.Since(c.admittedAt).Milliseconds()
}

// discardSink satisfies the pipeline with no_recording bots.
type discardSink struct{}

func (discardSink) WriteAudio([]int16) error { return nil }

func (discardSink) WriteVideo([]byte) error { return nil }

func (discardSink) Finalize() (pipeline.Output, error) { return pipeline.Output{}, nil }

func (discardSink) Abort() {}

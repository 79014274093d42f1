package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/notewell/attend/pkg/credits"
	"github.com/notewell/attend/pkg/lifecycle"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/pipeline"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/webhook"
)

// shutdown runs the graceful sequence: leave the meeting, drain and
// finalize the pipeline, flush transcription, upload artifacts, and
// settle billing atomically with the terminal state change. The whole
// sequence runs under the shutdown timeout; an overrun forces
// post_processing and settles in ENDED so the bot never wedges.
func (c *Controller) shutdown(ctx context.Context, out outcome) {
	c.markLeft()

	// Detached from the run context so a cancelled worker still settles
	// its rows.
	guard, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.Worker.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runShutdown(guard, out)
	}()

	select {
	case <-done:
	case <-guard.Done():
		slog.Error("Shutdown timed out, forcing post_processing", "bot_id", c.bot.ID)
		c.forceFinish(context.WithoutCancel(ctx), out)
	}
}

// forceFinish abandons the graceful sequence once the shutdown budget
// is spent: the helper is killed, unflushed transcription is dropped,
// and whatever already made it to the store stands. The bot still ends
// in ENDED; the overrun is diagnosis, not failure.
func (c *Controller) forceFinish(ctx context.Context, out outcome) {
	if c.conn != nil {
		_ = c.conn.Close()
	}

	sub := out.sub
	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStateLeaving,
		SubState:  &sub,
		EventType: models.BotEventLeaveStarted,
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to force leaving", "bot_id", c.bot.ID, "error", err)
	}
	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStatePostProcessing,
		EventType: models.BotEventPostProcessing,
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to force post_processing", "bot_id", c.bot.ID, "error", err)
	}

	timedOut := models.SubStateShutdownTimeout
	c.settle(ctx, models.BotStateEnded, models.BotEventEnded, &timedOut)
}

func (c *Controller) runShutdown(ctx context.Context, out outcome) {
	sub := out.sub
	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStateLeaving,
		SubState:  &sub,
		EventType: models.BotEventLeaveStarted,
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to enter leaving", "bot_id", c.bot.ID, "error", err)
	}

	if c.conn != nil {
		leaveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.conn.Leave(leaveCtx); err != nil {
			slog.Warn("Platform leave failed", "bot_id", c.bot.ID, "error", err)
		}
		cancel()
		_ = c.conn.Close()
	}

	primary, participants, pipeErr := c.pipe.Finalize()
	c.closeTranscription(ctx)

	if _, err := c.transitionAndNotify(ctx, lifecycle.Request{
		To:        models.BotStatePostProcessing,
		EventType: models.BotEventPostProcessing,
	}); err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to enter post_processing", "bot_id", c.bot.ID, "error", err)
	}

	durationMS := c.pipe.DurationMS()
	if dropped := c.pipe.FramesDropped(); dropped > 0 {
		if c.deps.Metrics != nil {
			c.deps.Metrics.FramesDropped.WithLabelValues(c.bot.ID).Add(float64(dropped))
		}
		if err := c.deps.Recordings.AddFramesDropped(ctx, c.rec.ID, dropped); err != nil {
			slog.Error("Failed to record dropped frames", "bot_id", c.bot.ID, "error", err)
		}
	}

	if pipeErr != nil {
		slog.Error("Pipeline failed, recording lost", "bot_id", c.bot.ID, "error", pipeErr)
		if err := c.deps.Recordings.MarkFailed(ctx, c.rec.ID, models.JSONMap{
			"stage": "pipeline",
			"error": pipeErr.Error(),
		}); err != nil {
			slog.Error("Failed to mark recording failed", "bot_id", c.bot.ID, "error", err)
		}
	} else {
		if err := c.deps.Uploader.UploadRecording(ctx, c.bot, c.rec, primary, durationMS); err != nil {
			slog.Error("Recording upload failed", "bot_id", c.bot.ID, "error", err)
		}
		c.uploadParticipantRecordings(ctx, participants, durationMS)
	}

	c.settle(ctx, models.BotStateEnded, models.BotEventEnded, nil)
}

// uploadParticipantRecordings settles the per-participant variants
// opened by the pipeline's sink factory.
func (c *Controller) uploadParticipantRecordings(ctx context.Context, outputs map[string]pipeline.Output, durationMS int64) {
	for uuid, out := range outputs {
		rec, err := c.deps.Recordings.CreateParticipantVariant(ctx, c.bot, uuid)
		if err != nil {
			slog.Error("Failed to create participant recording",
				"bot_id", c.bot.ID, "participant", uuid, "error", err)
			continue
		}
		if err := c.deps.Uploader.UploadParticipantRecording(ctx, c.bot, rec, uuid, out, durationMS); err != nil {
			slog.Error("Participant recording upload failed",
				"bot_id", c.bot.ID, "participant", uuid, "error", err)
		}
	}
}

// closeTranscription flushes the coordinator and settles the recording's
// transcription state.
func (c *Controller) closeTranscription(ctx context.Context) {
	if c.asr == nil {
		return
	}
	state := models.TranscriptionStateComplete
	if err := c.asr.Close(ctx); err != nil {
		slog.Warn("Transcription flush incomplete", "bot_id", c.bot.ID, "error", err)
		state = models.TranscriptionStateFailed
	}
	if err := c.deps.Recordings.SetTranscriptionState(ctx, c.rec.ID, state); err != nil {
		slog.Error("Failed to set transcription state", "bot_id", c.bot.ID, "error", err)
	}
}

// settle commits the terminal transition, the runtime debit, and the
// terminal webhook in one transaction.
func (c *Controller) settle(ctx context.Context, to models.BotState, eventType models.BotEventType, sub *models.BotSubState) {
	durationMS, admitted := c.billableMS()

	err := c.deps.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		bot, err := lifecycle.TransitionTx(ctx, tx, c.bot.ID, lifecycle.Request{
			To:        to,
			SubState:  sub,
			EventType: eventType,
		})
		if err != nil {
			return err
		}

		if admitted && c.deps.Credits != nil {
			orgID, err := c.deps.Credits.OrganizationForProject(ctx, c.bot.ProjectID)
			if err != nil {
				return err
			}
			cost := credits.Cost(c.bot.Platform(), c.bot.Settings.RecordingType, durationMS)
			if cost > 0 {
				result, err := c.deps.Credits.DebitTx(ctx, tx, orgID, &c.bot.ID, cost, "bot runtime")
				if err != nil {
					return err
				}
				if c.deps.Metrics != nil {
					c.deps.Metrics.CreditsDebited.Add(float64(result.Debited))
				}
				if result.CrossedLowThreshold && c.deps.Enqueuer != nil {
					if err := c.deps.Enqueuer.EnqueueTx(ctx, tx, c.bot.ProjectID, nil,
						models.TriggerCreditsLow, models.JSONMap{
							"centicredits_remaining": result.BalanceAfter,
						}); err != nil {
						return err
					}
				}
			}
		}

		if c.deps.Enqueuer != nil {
			return c.deps.Enqueuer.EnqueueTx(ctx, tx, c.bot.ProjectID, bot,
				models.TriggerBotStateChange, webhook.StateChangeData(bot))
		}
		return nil
	})
	if err != nil && !errors.Is(err, lifecycle.ErrRejected) {
		slog.Error("Failed to settle terminal state", "bot_id", c.bot.ID, "state", to, "error", err)
		return
	}
	slog.Info("Bot finished", "bot_id", c.bot.ID, "state", to)
}

// failFatal tears everything down, salvages whatever the pipeline
// already captured, preserves diagnostics, and settles the fatal
// transition with whatever billing is owed.
func (c *Controller) failFatal(ctx context.Context, sub models.BotSubState, reason string) {
	slog.Error("Bot failed", "bot_id", c.bot.ID, "sub_state", sub, "reason", reason)
	c.markLeft()

	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.asr != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.Worker.FlushTimeout)
		_ = c.asr.Close(flushCtx)
		cancel()
	}

	if !c.salvageRecording(ctx) && c.rec != nil {
		if err := c.deps.Recordings.MarkFailed(ctx, c.rec.ID, models.JSONMap{
			"sub_state": string(sub),
			"error":     reason,
		}); err != nil && !errors.Is(err, services.ErrNotFound) {
			slog.Error("Failed to mark recording failed", "bot_id", c.bot.ID, "error", err)
		}
	}

	c.uploadDebugSnapshot(ctx, sub, reason)
	c.settle(ctx, models.BotStateFatalError, models.BotEventFatalError, &sub)
}

// salvageRecording finalizes and uploads what the pipeline captured
// before the failure. Frames already encoded are worth keeping even
// though the meeting died; only an empty pipeline is discarded. Returns
// true once the recording row has been settled, whether the upload
// succeeded or the uploader marked it failed itself.
func (c *Controller) salvageRecording(ctx context.Context) bool {
	if c.pipe == nil {
		return false
	}
	durationMS := c.pipe.DurationMS()
	if durationMS == 0 || c.rec == nil || c.deps.Uploader == nil ||
		c.rec.RecordingType == models.RecordingTypeNoRecording {
		c.pipe.Abort()
		return false
	}

	type finalized struct {
		primary      pipeline.Output
		participants map[string]pipeline.Output
		err          error
	}
	results := make(chan finalized, 1)
	go func() {
		primary, participants, err := c.pipe.Finalize()
		results <- finalized{primary, participants, err}
	}()

	// The run context is usually already cancelled here; the encoder
	// gets its own deadline to drain.
	salvageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.Worker.FlushTimeout)
	defer cancel()

	var res finalized
	select {
	case res = <-results:
	case <-salvageCtx.Done():
		slog.Error("Recording finalize timed out, artifact lost", "bot_id", c.bot.ID)
		return false
	}
	if res.err != nil {
		slog.Error("Recording finalize failed, artifact lost", "bot_id", c.bot.ID, "error", res.err)
		return false
	}

	if err := c.deps.Uploader.UploadRecording(salvageCtx, c.bot, c.rec, res.primary, durationMS); err != nil {
		slog.Error("Partial recording upload failed", "bot_id", c.bot.ID, "error", err)
		return true
	}
	c.uploadParticipantRecordings(salvageCtx, res.participants, durationMS)
	slog.Info("Partial recording preserved", "bot_id", c.bot.ID, "duration_ms", durationMS)
	return true
}

// uploadDebugSnapshot preserves the controller's view of the failure as
// a JSON artifact next to the recordings.
func (c *Controller) uploadDebugSnapshot(ctx context.Context, sub models.BotSubState, reason string) {
	if c.deps.Uploader == nil {
		return
	}
	c.mu.Lock()
	snapshot := map[string]any{
		"bot_id":      c.bot.ObjectID,
		"state":       string(c.bot.State),
		"sub_state":   string(sub),
		"reason":      reason,
		"admitted":    c.admitted,
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	c.deps.Uploader.UploadDebug(ctx, c.bot, time.Now().Unix(), "json", data)
}

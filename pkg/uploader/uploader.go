// Package uploader moves finalized recording artifacts from the worker's
// local disk into the blob store and settles the recording rows.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/notewell/attend/pkg/metrics"
	"github.com/notewell/attend/pkg/models"
	"github.com/notewell/attend/pkg/pipeline"
	"github.com/notewell/attend/pkg/services"
	"github.com/notewell/attend/pkg/storage"
)

// Uploader streams encoder outputs into the blob store.
type Uploader struct {
	store      storage.BlobStore
	recordings *services.RecordingService
	metrics    *metrics.Metrics
}

// New creates an uploader.
func New(store storage.BlobStore, recordings *services.RecordingService, m *metrics.Metrics) *Uploader {
	if store == nil {
		panic("uploader.New: store must not be nil")
	}
	if recordings == nil {
		panic("uploader.New: recordings must not be nil")
	}
	return &Uploader{store: store, recordings: recordings, metrics: m}
}

// UploadRecording uploads the primary artifact and settles the recording
// row: complete only when the upload succeeded and the pipeline produced
// frames, failed otherwise. The local file is removed after a successful
// upload.
func (u *Uploader) UploadRecording(ctx context.Context, bot *models.Bot, rec *models.Recording, out pipeline.Output, durationMS int64) error {
	if rec.RecordingType == models.RecordingTypeNoRecording {
		// Nothing was captured on purpose; there is no artifact to
		// upload and no bytes to mark complete with.
		return u.recordings.MarkSkipped(ctx, rec.ID, durationMS)
	}
	if out.ByteSize == 0 {
		err := fmt.Errorf("encoder produced no output")
		u.fail(ctx, rec.ID, err)
		return err
	}

	key := storage.RecordingKey(bot, rec.Format)
	if err := u.put(ctx, key, out, rec.Format); err != nil {
		u.fail(ctx, rec.ID, err)
		return err
	}
	if err := u.recordings.MarkComplete(ctx, rec.ID, key, out.ByteSize, durationMS); err != nil {
		return err
	}
	u.cleanup(out.Path)
	slog.Info("Recording uploaded",
		"bot_id", bot.ID, "recording_id", rec.ID, "key", key, "bytes", out.ByteSize)
	return nil
}

// UploadParticipantRecording uploads one per-participant variant.
func (u *Uploader) UploadParticipantRecording(ctx context.Context, bot *models.Bot, rec *models.Recording, participantUUID string, out pipeline.Output, durationMS int64) error {
	key := storage.ParticipantRecordingKey(bot, participantUUID, rec.Format)
	if err := u.put(ctx, key, out, rec.Format); err != nil {
		u.fail(ctx, rec.ID, err)
		return err
	}
	if err := u.recordings.MarkComplete(ctx, rec.ID, key, out.ByteSize, durationMS); err != nil {
		return err
	}
	u.cleanup(out.Path)
	return nil
}

// UploadDebug uploads a diagnostic artifact tied to a bot event. Failures
// are logged only; debug artifacts never block shutdown.
func (u *Uploader) UploadDebug(ctx context.Context, bot *models.Bot, eventID int64, ext string, data []byte) {
	key := storage.DebugKey(bot.ObjectID, eventID, ext)
	f, err := os.CreateTemp("", "attend-debug-*")
	if err != nil {
		slog.Warn("Debug artifact skipped", "bot_id", bot.ID, "error", err)
		return
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(data); err != nil {
		f.Close()
		slog.Warn("Debug artifact skipped", "bot_id", bot.ID, "error", err)
		return
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		slog.Warn("Debug artifact skipped", "bot_id", bot.ID, "error", err)
		return
	}
	if _, err := u.store.Put(ctx, key, f, "application/json"); err != nil {
		slog.Warn("Debug artifact upload failed", "bot_id", bot.ID, "key", key, "error", err)
	}
	f.Close()
}

func (u *Uploader) put(ctx context.Context, key string, out pipeline.Output, format models.RecordingFormat) error {
	f, err := os.Open(out.Path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	if _, err := u.store.Put(ctx, key, f, storage.ContentTypeForFormat(format)); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if u.metrics != nil {
		u.metrics.UploadBytes.WithLabelValues(u.store.Backend()).Add(float64(out.ByteSize))
	}
	return nil
}

func (u *Uploader) fail(ctx context.Context, recordingID string, cause error) {
	if err := u.recordings.MarkFailed(ctx, recordingID, models.JSONMap{
		"stage": "upload",
		"error": cause.Error(),
	}); err != nil {
		slog.Error("Failed to mark recording failed", "recording_id", recordingID, "error", err)
	}
}

func (u *Uploader) cleanup(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove local artifact", "path", path, "error", err)
	}
}

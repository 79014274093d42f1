// Package storage provides the pluggable blob store used for recordings
// and debug artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/models"
)

// ErrNotFound indicates the key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// BlobStore is the object storage contract. The core depends only on this
// interface; backends are selected by configuration.
type BlobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) (etag string, err error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Backend() string
}

// New constructs the configured backend.
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "swift":
		return NewSwiftStore(cfg)
	case "local":
		return NewLocalStore(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// RecordingKey computes the primary artifact key for a bot.
// A metadata "file_name" entry, when present, overrides the stem
// (legacy alias; the computed layout is canonical otherwise).
func RecordingKey(bot *models.Bot, format models.RecordingFormat) string {
	stem := bot.ObjectID
	if override, ok := bot.Metadata["file_name"].(string); ok && override != "" {
		stem = override
	}
	return path.Join("recordings", stem+"."+string(format))
}

// ParticipantRecordingKey computes the per-participant variant key.
func ParticipantRecordingKey(bot *models.Bot, participantUUID string, format models.RecordingFormat) string {
	return path.Join("recordings", bot.ObjectID, participantUUID+"."+string(format))
}

// DebugKey computes the key for a diagnostic artifact tied to a bot event.
func DebugKey(botObjectID string, eventID int64, ext string) string {
	return path.Join("debug", botObjectID, fmt.Sprintf("%d.%s", eventID, ext))
}

// ContentTypeForFormat maps a recording format to its MIME type.
func ContentTypeForFormat(format models.RecordingFormat) string {
	switch format {
	case models.RecordingFormatMP4:
		return "video/mp4"
	case models.RecordingFormatMP3:
		return "audio/mpeg"
	case models.RecordingFormatWebM:
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

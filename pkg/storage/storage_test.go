package storage

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/models"
)

func TestRecordingKey(t *testing.T) {
	tests := []struct {
		name     string
		bot      *models.Bot
		format   models.RecordingFormat
		expected string
	}{
		{
			name:     "default layout",
			bot:      &models.Bot{ObjectID: "bot_abc123"},
			format:   models.RecordingFormatMP4,
			expected: "recordings/bot_abc123.mp4",
		},
		{
			name: "file_name metadata overrides the stem",
			bot: &models.Bot{
				ObjectID: "bot_abc123",
				Metadata: models.JSONMap{"file_name": "client-call-42"},
			},
			format:   models.RecordingFormatMP3,
			expected: "recordings/client-call-42.mp3",
		},
		{
			name: "empty override falls back to object id",
			bot: &models.Bot{
				ObjectID: "bot_abc123",
				Metadata: models.JSONMap{"file_name": ""},
			},
			format:   models.RecordingFormatWebM,
			expected: "recordings/bot_abc123.webm",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RecordingKey(tt.bot, tt.format))
		})
	}
}

func TestParticipantRecordingKey(t *testing.T) {
	bot := &models.Bot{ObjectID: "bot_abc123"}
	key := ParticipantRecordingKey(bot, "9f2c", models.RecordingFormatMP3)
	assert.Equal(t, "recordings/bot_abc123/9f2c.mp3", key)
}

func TestDebugKey(t *testing.T) {
	assert.Equal(t, "debug/bot_abc123/77.json", DebugKey("bot_abc123", 77, "json"))
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("pcm bytes")

	etag, err := store.Put(ctx, "recordings/bot_x.mp3", bytes.NewReader(payload), "audio/mpeg")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	ok, err := store.Exists(ctx, "recordings/bot_x.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := store.Get(ctx, "recordings/bot_x.mp3")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, got)

	url, err := store.SignedURL(ctx, "recordings/bot_x.mp3", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "file://")

	require.NoError(t, store.Delete(ctx, "recordings/bot_x.mp3"))

	_, err = store.Get(ctx, "recordings/bot_x.mp3")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing object is a no-op.
	require.NoError(t, store.Delete(ctx, "recordings/bot_x.mp3"))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape", bytes.NewReader(nil), "")
	assert.Error(t, err)
}

// Package transcription streams per-participant audio to an ASR provider
// and assembles the results into meeting-relative utterances.
package transcription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/notewell/attend/pkg/models"
)

// Result is one finalized ASR segment with session-relative timing.
type Result struct {
	Transcript string
	Words      models.WordList
	StartMS    int64
	DurationMS int64
}

// Session is one live ASR stream for one participant.
type Session interface {
	// Send submits one PCM frame. It may block on the network; the
	// coordinator's queues keep it off the hot path.
	Send(pcm []byte) error

	// Results returns finalized segments. Closed when the session ends.
	Results() <-chan Result

	// Close flushes pending audio and closes the stream.
	Close(ctx context.Context) error
}

// Provider opens ASR sessions.
type Provider interface {
	Name() string
	OpenSession(ctx context.Context) (Session, error)
}

// Utterance is one assembled segment with meeting-relative timing.
type Utterance struct {
	ParticipantUUID     string
	RelativeTimestampMS int64
	DurationMS          int64
	Transcript          string
	Words               models.WordList
}

// Gap marks audio dropped before it reached the provider.
type Gap struct {
	ParticipantUUID string
	TimestampMS     int64
	Reason          string
}

// Config tunes the coordinator.
type Config struct {
	Provider Provider

	// QueueFrames bounds each participant's pending-audio queue. A full
	// queue drops the incoming frame and reports a Gap.
	QueueFrames int

	// IdleTimeout closes a participant session after this long without
	// audio; the next frame opens a fresh one.
	IdleTimeout time.Duration

	// FlushTimeout bounds how long Close waits for final results.
	FlushTimeout time.Duration

	// OnUtterance receives each assembled utterance. Called from
	// coordinator goroutines; must be safe for concurrent use.
	OnUtterance func(u Utterance)

	// OnGap receives dropped-audio markers. Optional.
	OnGap func(g Gap)

	// OnOverflow is invoked once per dropped frame, for metrics. Optional.
	OnOverflow func()
}

// frame is one queued audio chunk with its meeting-relative timestamp.
type frame struct {
	pcm         []byte
	timestampMS int64
}

// Coordinator fans per-participant audio out to ASR sessions. Frames
// are queued per participant so a slow provider cannot stall the
// pipeline; overflow drops audio and records the gap.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 200
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		workers: make(map[string]*worker),
	}
}

// PushAudio queues one frame for a participant. Never blocks: when the
// participant's queue is full the frame is dropped and a gap recorded.
func (c *Coordinator) PushAudio(participantUUID string, pcm []byte, timestampMS int64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	w, ok := c.workers[participantUUID]
	if !ok {
		w = &worker{
			uuid:   participantUUID,
			frames: make(chan frame, c.cfg.QueueFrames),
			coord:  c,
		}
		c.workers[participantUUID] = w
		c.wg.Add(1)
		go w.run()
	}
	c.mu.Unlock()

	select {
	case w.frames <- frame{pcm: pcm, timestampMS: timestampMS}:
	default:
		if c.cfg.OnOverflow != nil {
			c.cfg.OnOverflow()
		}
		if c.cfg.OnGap != nil {
			c.cfg.OnGap(Gap{
				ParticipantUUID: participantUUID,
				TimestampMS:     timestampMS,
				Reason:          "queue_overflow",
			})
		}
	}
}

// Close stops intake, flushes every session, and waits up to
// FlushTimeout for final results.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, w := range c.workers {
		close(w.frames)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(c.cfg.FlushTimeout):
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker owns one participant's session lifecycle.
type worker struct {
	uuid   string
	frames chan frame
	coord  *Coordinator

	session   Session
	baseTS    int64 // meeting-relative ms of the session's first frame
	resultsWG sync.WaitGroup
}

func (w *worker) run() {
	defer w.coord.wg.Done()
	defer w.closeSession()

	idle := time.NewTimer(w.coord.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case f, ok := <-w.frames:
			if !ok {
				return
			}
			w.handleFrame(f)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.coord.cfg.IdleTimeout)
		case <-idle.C:
			w.closeSession()
			idle.Reset(w.coord.cfg.IdleTimeout)
		}
	}
}

func (w *worker) handleFrame(f frame) {
	if w.session == nil {
		session, err := w.coord.cfg.Provider.OpenSession(context.Background())
		if err != nil {
			slog.Warn("Failed to open ASR session",
				"participant", w.uuid, "provider", w.coord.cfg.Provider.Name(), "error", err)
			if w.coord.cfg.OnGap != nil {
				w.coord.cfg.OnGap(Gap{
					ParticipantUUID: w.uuid,
					TimestampMS:     f.timestampMS,
					Reason:          "session_open_failed",
				})
			}
			return
		}
		w.session = session
		w.baseTS = f.timestampMS
		w.consumeResults(session, w.baseTS)
	}

	if err := w.session.Send(f.pcm); err != nil {
		slog.Warn("ASR send failed", "participant", w.uuid, "error", err)
		w.closeSession()
	}
}

// consumeResults translates session-relative results into
// meeting-relative utterances.
func (w *worker) consumeResults(session Session, baseTS int64) {
	w.resultsWG.Add(1)
	go func() {
		defer w.resultsWG.Done()
		for result := range session.Results() {
			if result.Transcript == "" {
				continue
			}
			words := make(models.WordList, len(result.Words))
			for i, word := range result.Words {
				words[i] = models.Word{
					Word:       word.Word,
					StartMS:    baseTS + word.StartMS,
					EndMS:      baseTS + word.EndMS,
					Confidence: word.Confidence,
				}
			}
			if w.coord.cfg.OnUtterance != nil {
				w.coord.cfg.OnUtterance(Utterance{
					ParticipantUUID:     w.uuid,
					RelativeTimestampMS: baseTS + result.StartMS,
					DurationMS:          result.DurationMS,
					Transcript:          result.Transcript,
					Words:               words,
				})
			}
		}
	}()
}

func (w *worker) closeSession() {
	if w.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.coord.cfg.FlushTimeout)
	defer cancel()
	if err := w.session.Close(ctx); err != nil {
		slog.Warn("ASR session close failed", "participant", w.uuid, "error", err)
	}
	w.resultsWG.Wait()
	w.session = nil
}

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notewell/attend/pkg/models"
)

// SlotDuration is the pipeline clock period.
const SlotDuration = 10 * time.Millisecond

// slotsPerVideoFrame converts the 100 Hz slot clock to the 25 fps
// compositor output.
const slotsPerVideoFrame = 100 / VideoFrameRate

// maxQueuedVideoFrames bounds encoder backpressure to 500 ms of video;
// beyond that the oldest frames are dropped.
const maxQueuedVideoFrames = VideoFrameRate / 2

// galleryUUID keys the pre-composited gallery stream. Adapters that
// support gallery view send tiled frames with an empty participant UUID.
const galleryUUID = ""

// Config configures one bot's pipeline.
type Config struct {
	RecordingType models.RecordingType
	View          models.ViewLayout
	Sink          Sink

	// ParticipantSinkFactory, when set, opens one audio sink per
	// participant for per-participant recordings.
	ParticipantSinkFactory func(participantUUID string) (Sink, error)
}

// Pipeline drains per-participant rings on a 10 ms clock, mixes audio,
// selects the composited video frame, and feeds the sink. All methods
// are safe for concurrent use.
type Pipeline struct {
	cfg Config

	mu               sync.Mutex
	rings            map[string]*pcmRing
	trackers         map[string]*rmsTracker
	selector         speakerSelector
	latestFrame      map[string][]byte
	lastWrittenFrame []byte
	participantSinks map[string]Sink
	paused           bool
	closed           bool
	slotCount        int64
	framesDropped    int64
	lastVoiceAt      time.Time
	activeSpeaker    string
	failed           error

	videoQueue chan []byte
	writerDone chan struct{}
}

// New creates a pipeline. Call Run to start the clock.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("pipeline sink is required")
	}
	p := &Pipeline{
		cfg:              cfg,
		rings:            make(map[string]*pcmRing),
		trackers:         make(map[string]*rmsTracker),
		latestFrame:      make(map[string][]byte),
		participantSinks: make(map[string]Sink),
		lastVoiceAt:      time.Now(),
		videoQueue:       make(chan []byte, maxQueuedVideoFrames),
		writerDone:       make(chan struct{}),
	}
	go p.videoWriter()
	return p, nil
}

// Run drives the slot clock until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(SlotDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Step(); err != nil {
				return err
			}
		}
	}
}

// PushAudio buffers PCM for a participant. Unknown participants get a
// ring and an RMS tracker on first audio.
func (p *Pipeline) PushAudio(participantUUID string, pcm []byte) {
	samples := pcmFromBytes(pcm)
	p.mu.Lock()
	defer p.mu.Unlock()
	ring, ok := p.rings[participantUUID]
	if !ok {
		ring = newPCMRing()
		p.rings[participantUUID] = ring
		p.trackers[participantUUID] = &rmsTracker{}
	}
	ring.write(samples)
}

// PushVideo stores the newest frame for a participant. An empty UUID
// carries the adapter's pre-composited gallery stream.
func (p *Pipeline) PushVideo(participantUUID string, frame []byte) {
	p.mu.Lock()
	p.latestFrame[participantUUID] = frame
	p.mu.Unlock()
}

// Pause freezes the artifact: silence on the audio track, the last
// frame repeated on video. The clock keeps running so timestamps stay
// aligned on resume.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume ends a pause.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// Step processes one slot.
func (p *Pipeline) Step() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return p.failed
	}
	if p.closed {
		return fmt.Errorf("pipeline closed")
	}
	p.slotCount++

	mixed := make([]int16, SamplesPerSlot)
	if p.paused {
		if err := p.cfg.Sink.WriteAudio(mixed); err != nil {
			p.failed = err
			return err
		}
		if p.wantsVideo() && p.slotCount%slotsPerVideoFrame == 0 && p.lastWrittenFrame != nil {
			p.enqueueVideoLocked(p.lastWrittenFrame)
		}
		return nil
	}

	levels := make(map[string]float64, len(p.rings))
	sources := make([][]int16, 0, len(p.rings))
	slot := make([]int16, SamplesPerSlot)
	for uuid, ring := range p.rings {
		ring.readSlot(slot)
		tracker := p.trackers[uuid]
		tracker.push(slot)
		levels[uuid] = tracker.rms()

		src := make([]int16, SamplesPerSlot)
		copy(src, slot)
		sources = append(sources, src)

		if err := p.writeParticipantLocked(uuid, src); err != nil {
			p.failed = err
			return err
		}
	}

	p.activeSpeaker = p.selector.observe(levels)
	for _, rms := range levels {
		if rms >= VoiceRMSThreshold {
			p.lastVoiceAt = time.Now()
			break
		}
	}

	mixSlot(mixed, sources)
	if err := p.cfg.Sink.WriteAudio(mixed); err != nil {
		p.failed = err
		return err
	}

	if p.wantsVideo() && p.slotCount%slotsPerVideoFrame == 0 {
		if frame := p.selectFrameLocked(); frame != nil {
			p.lastWrittenFrame = frame
			p.enqueueVideoLocked(frame)
		}
	}
	return nil
}

func (p *Pipeline) wantsVideo() bool {
	return p.cfg.RecordingType == models.RecordingTypeAudioAndVideo
}

// selectFrameLocked applies the view policy: gallery view prefers the
// composited gallery stream, speaker view follows the active speaker.
// Either falls back to the other when its stream is absent.
func (p *Pipeline) selectFrameLocked() []byte {
	if p.cfg.View == models.ViewGallery {
		if frame, ok := p.latestFrame[galleryUUID]; ok {
			return frame
		}
	}
	if p.activeSpeaker != "" {
		if frame, ok := p.latestFrame[p.activeSpeaker]; ok {
			return frame
		}
	}
	if frame, ok := p.latestFrame[galleryUUID]; ok {
		return frame
	}
	return p.lastWrittenFrame
}

// enqueueVideoLocked hands a frame to the writer, dropping the oldest
// queued frame when the encoder is more than 500 ms behind.
func (p *Pipeline) enqueueVideoLocked(frame []byte) {
	select {
	case p.videoQueue <- frame:
		return
	default:
	}
	select {
	case <-p.videoQueue:
		p.framesDropped++
	default:
	}
	select {
	case p.videoQueue <- frame:
	default:
		p.framesDropped++
	}
}

func (p *Pipeline) writeParticipantLocked(uuid string, slot []int16) error {
	if p.cfg.ParticipantSinkFactory == nil || uuid == galleryUUID {
		return nil
	}
	sink, ok := p.participantSinks[uuid]
	if !ok {
		var err error
		sink, err = p.cfg.ParticipantSinkFactory(uuid)
		if err != nil {
			return fmt.Errorf("open participant sink: %w", err)
		}
		p.participantSinks[uuid] = sink
	}
	return sink.WriteAudio(slot)
}

func (p *Pipeline) videoWriter() {
	defer close(p.writerDone)
	for frame := range p.videoQueue {
		if err := p.cfg.Sink.WriteVideo(frame); err != nil {
			p.mu.Lock()
			if p.failed == nil {
				p.failed = err
			}
			p.mu.Unlock()
			// Drain so Step never blocks on a dead encoder.
			for range p.videoQueue {
			}
			return
		}
	}
}

// ActiveSpeaker returns the current spotlight participant, or "".
func (p *Pipeline) ActiveSpeaker() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeSpeaker
}

// LastVoiceAt returns the time voice activity was last observed. The
// silence auto-leave policy is evaluated against it.
func (p *Pipeline) LastVoiceAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVoiceAt
}

// FramesDropped returns the number of video frames discarded under
// backpressure.
func (p *Pipeline) FramesDropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesDropped
}

// DurationMS returns the artifact duration so far, pauses included.
func (p *Pipeline) DurationMS() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotCount * int64(SlotDuration/time.Millisecond)
}

// Finalize stops the writer and finalizes the primary sink and any
// per-participant sinks. Returns the primary output and per-participant
// outputs keyed by UUID.
func (p *Pipeline) Finalize() (Output, map[string]Output, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Output{}, nil, fmt.Errorf("pipeline already finalized")
	}
	p.closed = true
	close(p.videoQueue)
	failed := p.failed
	sinks := p.participantSinks
	p.mu.Unlock()
	<-p.writerDone

	if failed != nil {
		p.cfg.Sink.Abort()
		for _, sink := range sinks {
			sink.Abort()
		}
		return Output{}, nil, failed
	}

	out, err := p.cfg.Sink.Finalize()
	if err != nil {
		for _, sink := range sinks {
			sink.Abort()
		}
		return Output{}, nil, err
	}

	participantOuts := make(map[string]Output, len(sinks))
	for uuid, sink := range sinks {
		pOut, err := sink.Finalize()
		if err != nil {
			return Output{}, nil, fmt.Errorf("finalize participant %s: %w", uuid, err)
		}
		participantOuts[uuid] = pOut
	}
	return out, participantOuts, nil
}

// Abort tears everything down and discards partial artifacts.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.failed == nil {
		p.failed = fmt.Errorf("pipeline aborted")
	}
	close(p.videoQueue)
	sinks := p.participantSinks
	p.mu.Unlock()
	<-p.writerDone

	p.cfg.Sink.Abort()
	for _, sink := range sinks {
		sink.Abort()
	}
}

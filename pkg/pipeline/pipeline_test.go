package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/models"
)

// fakeSink captures everything written for assertions.
type fakeSink struct {
	mu     sync.Mutex
	audio  []int16
	frames [][]byte
	delay  time.Duration
}

func (f *fakeSink) WriteAudio(pcm []int16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm...)
	return nil
}

func (f *fakeSink) WriteVideo(frame []byte) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) Finalize() (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Output{Path: "/tmp/fake", ByteSize: int64(len(f.audio) * 2)}, nil
}

func (f *fakeSink) Abort() {}

func (f *fakeSink) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestMixSlotSoftClip(t *testing.T) {
	dst := make([]int16, 2)
	loud := []int16{30000, -30000}
	mixSlot(dst, [][]int16{loud, loud})
	assert.Equal(t, int16(softClipLimit), dst[0])
	assert.Equal(t, int16(-softClipLimit), dst[1])

	quiet := []int16{100, -200}
	mixSlot(dst, [][]int16{quiet, quiet})
	assert.Equal(t, int16(200), dst[0])
	assert.Equal(t, int16(-400), dst[1])
}

func TestPCMRing(t *testing.T) {
	r := newPCMRing()

	// Drained ring zero-pads.
	slot := make([]int16, SamplesPerSlot)
	n := r.readSlot(slot)
	assert.Equal(t, 0, n)
	assert.Equal(t, int16(0), slot[0])

	samples := make([]int16, SamplesPerSlot)
	for i := range samples {
		samples[i] = int16(i)
	}
	r.write(samples)
	assert.Equal(t, SamplesPerSlot, r.buffered())

	n = r.readSlot(slot)
	assert.Equal(t, SamplesPerSlot, n)
	assert.Equal(t, int16(7), slot[7])

	// Overflow discards the oldest audio.
	big := make([]int16, (RingSlots+10)*SamplesPerSlot)
	r.write(big)
	assert.Equal(t, RingSlots*SamplesPerSlot, r.buffered())
}

func loudSlot() []int16 {
	slot := make([]int16, SamplesPerSlot)
	for i := range slot {
		slot[i] = 8000
	}
	return slot
}

func TestSpeakerSelectorHysteresis(t *testing.T) {
	var sel speakerSelector

	// First speaker takes the spotlight immediately.
	assert.Equal(t, "alice", sel.observe(map[string]float64{"alice": 0.2}))

	// A louder challenger does not take over right away.
	levels := map[string]float64{"alice": 0.2, "bob": 0.4}
	for i := 0; i < hysteresisSlots-1; i++ {
		assert.Equal(t, "alice", sel.observe(levels))
	}
	// After a full hysteresis interval, the challenger wins.
	assert.Equal(t, "bob", sel.observe(levels))
}

func TestSpeakerSelectorTieBreak(t *testing.T) {
	var sel speakerSelector
	got := sel.observe(map[string]float64{"zed": 0.3, "amy": 0.3})
	assert.Equal(t, "amy", got)
}

func TestSpeakerSelectorSilence(t *testing.T) {
	var sel speakerSelector
	assert.Equal(t, "alice", sel.observe(map[string]float64{"alice": 0.2}))
	assert.Equal(t, "", sel.observe(map[string]float64{"alice": 0.0001}))
}

func TestRMSTracker(t *testing.T) {
	var tr rmsTracker
	assert.Equal(t, 0.0, tr.rms())

	for i := 0; i < rmsWindowSlots; i++ {
		tr.push(loudSlot())
	}
	assert.Greater(t, tr.rms(), VoiceRMSThreshold)

	silent := make([]int16, SamplesPerSlot)
	for i := 0; i < rmsWindowSlots; i++ {
		tr.push(silent)
	}
	assert.Less(t, tr.rms(), VoiceRMSThreshold)
}

func newTestPipeline(t *testing.T, sink Sink, view models.ViewLayout) *Pipeline {
	t.Helper()
	p, err := New(Config{
		RecordingType: models.RecordingTypeAudioAndVideo,
		View:          view,
		Sink:          sink,
	})
	require.NoError(t, err)
	return p
}

func pcmBytes(sample int16, n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		buf[2*i] = byte(sample)
		buf[2*i+1] = byte(uint16(sample) >> 8)
	}
	return buf
}

func TestPipelineStepMixesAndSelectsSpeaker(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, models.ViewSpeaker)
	defer p.Abort()

	p.PushVideo("alice", []byte("frame-alice"))
	p.PushVideo("bob", []byte("frame-bob"))

	for i := 0; i < rmsWindowSlots; i++ {
		p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
		p.PushAudio("bob", pcmBytes(10, SamplesPerSlot))
		require.NoError(t, p.Step())
	}

	assert.Equal(t, "alice", p.ActiveSpeaker())
	assert.Equal(t, int64(rmsWindowSlots*10), p.DurationMS())
	assert.WithinDuration(t, time.Now(), p.LastVoiceAt(), time.Second)

	// The spotlight frame reaches the sink.
	assert.Eventually(t, func() bool { return sink.frameCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestPipelinePauseWritesSilence(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, models.ViewSpeaker)
	defer p.Abort()

	p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
	require.NoError(t, p.Step())

	p.Pause()
	p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
	require.NoError(t, p.Step())

	sink.mu.Lock()
	pausedSlot := sink.audio[SamplesPerSlot:]
	sink.mu.Unlock()
	for _, s := range pausedSlot {
		assert.Equal(t, int16(0), s)
	}

	// The clock keeps counting through the pause.
	assert.Equal(t, int64(20), p.DurationMS())
}

func TestPipelineBackpressureDropsOldest(t *testing.T) {
	sink := &fakeSink{delay: 50 * time.Millisecond}
	p := newTestPipeline(t, sink, models.ViewSpeaker)
	defer p.Abort()

	p.PushVideo("alice", []byte("frame"))
	for i := 0; i < rmsWindowSlots; i++ {
		p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
		require.NoError(t, p.Step())
	}
	// Flood well past the 500 ms queue bound.
	for i := 0; i < (maxQueuedVideoFrames+10)*slotsPerVideoFrame; i++ {
		p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
		require.NoError(t, p.Step())
	}
	assert.Greater(t, p.FramesDropped(), int64(0))
}

func TestPipelineGalleryPrefersCompositedStream(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, sink, models.ViewGallery)

	p.PushVideo("alice", []byte("frame-alice"))
	p.PushVideo(galleryUUID, []byte("frame-gallery"))

	for i := 0; i < rmsWindowSlots; i++ {
		p.PushAudio("alice", pcmBytes(8000, SamplesPerSlot))
		require.NoError(t, p.Step())
	}

	out, participantOuts, err := p.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fake", out.Path)
	assert.Empty(t, participantOuts)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.frames)
	for _, frame := range sink.frames {
		assert.Equal(t, []byte("frame-gallery"), frame)
	}
}

func TestPipelinePerParticipantSinks(t *testing.T) {
	sinks := map[string]*fakeSink{}
	primary := &fakeSink{}
	p, err := New(Config{
		RecordingType: models.RecordingTypeAudioOnly,
		View:          models.ViewSpeaker,
		Sink:          primary,
		ParticipantSinkFactory: func(uuid string) (Sink, error) {
			s := &fakeSink{}
			sinks[uuid] = s
			return s, nil
		},
	})
	require.NoError(t, err)

	p.PushAudio("alice", pcmBytes(1000, SamplesPerSlot))
	p.PushAudio("bob", pcmBytes(2000, SamplesPerSlot))
	require.NoError(t, p.Step())

	_, participantOuts, err := p.Finalize()
	require.NoError(t, err)
	assert.Len(t, participantOuts, 2)
	assert.Len(t, sinks["alice"].audio, SamplesPerSlot)
	assert.Len(t, sinks["bob"].audio, SamplesPerSlot)
}

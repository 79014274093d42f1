// Package pipeline assembles per-participant media into the recording
// artifact: a 10 ms slot clock drains per-participant ring buffers into
// the mixer and compositor, which feed the encoder.
package pipeline

// Audio constants. All adapter audio is 48 kHz mono s16le; one slot is
// 10 ms of samples.
const (
	SampleRate     = 48000
	SamplesPerSlot = SampleRate / 100
	RingSlots      = 200 // 2 s of buffered audio per participant
)

// pcmRing is a fixed-capacity ring of int16 samples. Writes past
// capacity overwrite the oldest audio; the reader drains in slot units.
type pcmRing struct {
	data  []int16
	head  int // next read position
	count int
}

func newPCMRing() *pcmRing {
	return &pcmRing{data: make([]int16, RingSlots*SamplesPerSlot)}
}

// write appends samples, discarding the oldest on overflow.
func (r *pcmRing) write(samples []int16) {
	for _, s := range samples {
		if r.count == len(r.data) {
			// Overwrite the oldest sample.
			r.head = (r.head + 1) % len(r.data)
			r.count--
		}
		r.data[(r.head+r.count)%len(r.data)] = s
		r.count++
	}
}

// readSlot removes and returns up to one slot of samples, zero-padded
// when the ring runs dry mid-slot.
func (r *pcmRing) readSlot(dst []int16) int {
	n := 0
	for n < len(dst) && r.count > 0 {
		dst[n] = r.data[r.head]
		r.head = (r.head + 1) % len(r.data)
		r.count--
		n++
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// buffered returns the number of samples waiting.
func (r *pcmRing) buffered() int { return r.count }

// pcmFromBytes converts little-endian s16 bytes to samples. A trailing
// odd byte is dropped.
func pcmFromBytes(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return samples
}

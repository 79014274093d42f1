package pipeline

import "math"

// Voice activity constants. RMS is normalized to [0, 1]; the window is
// 500 ms of slots and a speaker must out-sustain the incumbent for the
// hysteresis interval before taking over the spotlight.
const (
	VoiceRMSThreshold = 0.0025
	rmsWindowSlots    = 50  // 500 ms
	hysteresisSlots   = 100 // 1 s
)

// rmsTracker keeps a sliding sum of squared sample energy per
// participant.
type rmsTracker struct {
	window [rmsWindowSlots]float64
	next   int
	filled int
	sum    float64
}

// push adds one slot of samples to the window.
func (t *rmsTracker) push(slot []int16) {
	var energy float64
	for _, s := range slot {
		v := float64(s) / 32768.0
		energy += v * v
	}
	energy /= float64(len(slot))

	if t.filled == len(t.window) {
		t.sum -= t.window[t.next]
	} else {
		t.filled++
	}
	t.window[t.next] = energy
	t.next = (t.next + 1) % len(t.window)
	t.sum += energy
}

// rms returns the root-mean-square level over the window.
func (t *rmsTracker) rms() float64 {
	if t.filled == 0 {
		return 0
	}
	return math.Sqrt(t.sum / float64(t.filled))
}

// speakerSelector picks the participant with the highest RMS above the
// voice threshold. The incumbent keeps the spotlight until a challenger
// stays louder for a full hysteresis interval, which suppresses rapid
// cuts during crosstalk. Ties resolve to the lexically smallest UUID so
// selection is deterministic.
type speakerSelector struct {
	current        string
	challenger     string
	challengeSlots int
}

// observe processes one slot's RMS readings and returns the active
// speaker UUID, or "" when nobody is speaking.
func (s *speakerSelector) observe(levels map[string]float64) string {
	loudest := ""
	loudestRMS := 0.0
	for uuid, rms := range levels {
		if rms < VoiceRMSThreshold {
			continue
		}
		if rms > loudestRMS || (rms == loudestRMS && (loudest == "" || uuid < loudest)) {
			loudest = uuid
			loudestRMS = rms
		}
	}

	if loudest == "" {
		s.challenger = ""
		s.challengeSlots = 0
		if current, ok := levels[s.current]; !ok || current < VoiceRMSThreshold {
			s.current = ""
		}
		return s.current
	}

	if s.current == "" || loudest == s.current {
		s.current = loudest
		s.challenger = ""
		s.challengeSlots = 0
		return s.current
	}

	if loudest == s.challenger {
		s.challengeSlots++
		if s.challengeSlots >= hysteresisSlots {
			s.current = loudest
			s.challenger = ""
			s.challengeSlots = 0
		}
	} else {
		s.challenger = loudest
		s.challengeSlots = 1
	}
	return s.current
}

package pipeline

// softClipLimit is 95% of full scale. Summed audio beyond the limit is
// clamped so simultaneous speakers cannot wrap.
const softClipLimit = int32(32767 * 95 / 100)

// mixSlot sums one slot of samples from each source into dst, clamping
// at ±95% full scale.
func mixSlot(dst []int16, sources [][]int16) {
	for i := range dst {
		var sum int32
		for _, src := range sources {
			sum += int32(src[i])
		}
		if sum > softClipLimit {
			sum = softClipLimit
		} else if sum < -softClipLimit {
			sum = -softClipLimit
		}
		dst[i] = int16(sum)
	}
}

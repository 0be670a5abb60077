package align

import "math"

// Entropy computes the Shannon entropy in bits per byte over the value
// histogram of window. Encoded audio payloads sit close to 8 bits,
// container metadata and silence fall well below it. Small windows are
// bounded by log2(len(window)) and cannot reach the audio range.
func Entropy(window []byte) float64 {
	if len(window) == 0 {
		return 0
	}
	var hist [256]int
	for _, b := range window {
		hist[b]++
	}
	total := float64(len(window))
	entropy := 0.0
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// byteDeltas returns the wrapped differences between adjacent bytes.
// Frame boundaries in raw codec payloads show up as jumps in the
// entropy of this delta stream even when the value histogram is flat.
func byteDeltas(window []byte) []byte {
	if len(window) < 2 {
		return nil
	}
	deltas := make([]byte, len(window)-1)
	for i := 1; i < len(window); i++ {
		deltas[i-1] = window[i] - window[i-1]
	}
	return deltas
}

// deltaEntropy is the entropy of the byte delta stream of window.
func deltaEntropy(window []byte) float64 {
	return Entropy(byteDeltas(window))
}

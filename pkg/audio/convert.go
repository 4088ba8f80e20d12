package audio

import (
	"encoding/binary"
	"math"
)

// DecimationRatio returns srcRate / dstRate as used by [Decimate].
func DecimationRatio(srcRate, dstRate int) float64 {
	if srcRate <= 0 || dstRate <= 0 {
		return 1
	}
	return float64(srcRate) / float64(dstRate)
}

// DecimatedLen returns how many samples [Decimate] selects from n input
// samples at the given ratio: ceil(n / ratio).
func DecimatedLen(n int, ratio float64) int {
	if n <= 0 || ratio <= 0 {
		return 0
	}
	count := 0
	for k := 0; ; k++ {
		if int(math.Floor(float64(k)*ratio)) >= n {
			return count
		}
		count++
	}
}

// Decimate downsamples src by nearest-neighbour selection: it visits source
// indices floor(0), floor(ratio), floor(2·ratio), … and passes each selected
// sample to emit. No anti-alias filtering is applied.
//
// The phase restarts at index 0 on every call, so callers feeding successive
// device blocks get exactly ceil(len(block)/ratio) samples per block.
func Decimate(src []float32, ratio float64, emit func(float32)) {
	if ratio <= 0 {
		return
	}
	for k := 0; ; k++ {
		idx := int(math.Floor(float64(k) * ratio))
		if idx >= len(src) {
			return
		}
		emit(src[idx])
	}
}

// EncodeSample clamps s to [-1, 1] and scales it to int16 using an asymmetric
// factor: negative values by 32768 and non-negative values by 32767, so -1.0
// maps to -32768 and +1.0 to 32767. The fractional part is truncated toward
// zero.
func EncodeSample(s float32) int16 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	} else if v != v { // NaN
		v = 0
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// PCM16LE encodes samples as little-endian 16-bit PCM.
func PCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16LE converts little-endian 16-bit PCM into float32 samples
// normalised by 32768. A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

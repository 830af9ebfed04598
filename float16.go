package heatcount

import "github.com/x448/float16"

var f16LookupTable [65536]float32

func init() {
	// precompute float16 lookup table for faster conversion to float32
	for i := range f16LookupTable {
		f16 := float16.Frombits(uint16(i))
		f16LookupTable[i] = f16.Float32()
	}
}

// Float16ToFloat64 converts a buffer of IEEE 754 half precision bits, as
// stored in half precision checkpoints, into float64 parameter values
func Float16ToFloat64(src []uint16, dst []float64) {
	for i, v := range src {
		dst[i] = float64(f16LookupTable[v])
	}
}

// Float64ToFloat16 rounds parameter values to half precision bits
func Float64ToFloat16(src []float64, dst []uint16) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(float32(v)).Bits()
	}
}

// convert.go - dtype up/down conversion helpers shared by the matmul
// wrapper (C1) and masked softmax (C2).
package cpu

import (
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/7blacky7/attnengine/ml"
)

// toFloat32 upconverts a raw byte buffer of the given dtype to a fresh
// []float32, regardless of what precision it was stored in.
func toFloat32(dtype ml.DType, raw []byte) []float32 {
	switch dtype {
	case ml.DTypeF32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = bytesToF32(raw[i*4 : i*4+4])
		}
		return out
	case ml.DTypeBF16:
		return bfloat16.DecodeFloat32(raw)
	case ml.DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			bits := uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
			out[i] = float16.Frombits(bits).Float32()
		}
		return out
	case ml.DTypeI8:
		out := make([]float32, len(raw))
		for i, c := range raw {
			out[i] = float32(c)
		}
		return out
	default:
		panic("cpu: unsupported source dtype for conversion")
	}
}

// fromFloat32 down-converts src into raw bytes of the requested dtype.
func fromFloat32(dtype ml.DType, src []float32) []byte {
	switch dtype {
	case ml.DTypeF32:
		out := make([]byte, len(src)*4)
		for i, v := range src {
			putF32(out[i*4:i*4+4], v)
		}
		return out
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(src)
	case ml.DTypeF16:
		out := make([]byte, len(src)*2)
		for i, v := range src {
			bits := float16.Fromfloat32(v).Bits()
			out[i*2] = byte(bits)
			out[i*2+1] = byte(bits >> 8)
		}
		return out
	case ml.DTypeI8:
		out := make([]byte, len(src))
		for i, v := range src {
			out[i] = byte(v)
		}
		return out
	default:
		panic("cpu: unsupported destination dtype for conversion")
	}
}

func bytesToF32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func putF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

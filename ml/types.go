// types.go - core scalar types shared across the ml package: tensor dtypes,
// mask polarity, and the int8 KV-cache quantization parameters.
package ml

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI8:
		return "i8"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// ElemSize returns the size in bytes of a single scalar of this type, or 0
// for a type with no fixed scalar layout.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// MaskPolarity selects which side of a boolean mask is treated as
// "attend" versus "suppress with -inf" in a boolean causal mask.
type MaskPolarity int

const (
	// SelectNegInfAtZero suppresses positions where the mask element is zero
	// (the OpenVINO select_nfltmax_at_0 convention).
	SelectNegInfAtZero MaskPolarity = iota
	// SelectNegInfAtNonzero suppresses positions where the mask element is nonzero.
	SelectNegInfAtNonzero
)

// QuantParams holds the per-row affine quantization parameters used by the
// int8 KV-cache: dequant(x) = (float32(x) - zeroPoint) * scale.
type QuantParams struct {
	Scale     float32
	ZeroPoint float32
}

// Quantize maps a row of float32 values to int8 codes using an affine
// asymmetric scheme with 256 levels, returning the row and its parameters.
func Quantize(row []float32) ([]uint8, QuantParams) {
	if len(row) == 0 {
		return nil, QuantParams{}
	}

	lo, hi := row[0], row[0]
	for _, v := range row[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	scale := (hi - lo) / 255
	if scale == 0 {
		scale = 1
	}
	zp := -lo / scale

	out := make([]uint8, len(row))
	for i, v := range row {
		q := v/scale + zp
		if q < 0 {
			q = 0
		}
		if q > 255 {
			q = 255
		}
		out[i] = uint8(q + 0.5)
	}

	return out, QuantParams{Scale: scale, ZeroPoint: zp}
}

// Dequantize reverses Quantize for a single code.
func Dequantize(code uint8, p QuantParams) float32 {
	return (float32(code) - p.ZeroPoint) * p.Scale
}

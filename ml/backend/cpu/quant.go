// quant.go - batch quant/dequant helpers layered over ml.Quantize/Dequantize
// (C3). The KV-cache's U8 storage path and the incremental kernel's
// on-the-fly dequant call ml.Quantize/ml.Dequantize directly, not these
// helpers.
package cpu

import "github.com/7blacky7/attnengine/ml"

// QuantizeRow quantizes an entire [S] row into dst (must be len(row)) and
// returns the row's (scale, zero_point) pair, per spec §4.3's "one
// (scale, zp) pair per (b, h_kv, t)" granularity.
func QuantizeRow(row []float32, dst []uint8) ml.QuantParams {
	q, p := ml.Quantize(row)
	copy(dst, q)
	return p
}

// DequantizeRow reverses QuantizeRow into dst (must be len(row)).
func DequantizeRow(row []uint8, p ml.QuantParams, dst []float32) {
	for i, c := range row {
		dst[i] = ml.Dequantize(c, p)
	}
}

// DequantizeElem dequantizes a single element without materializing a
// whole row.
func DequantizeElem(code uint8, p ml.QuantParams) float32 {
	return ml.Dequantize(code, p)
}

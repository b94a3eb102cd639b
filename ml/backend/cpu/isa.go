// isa.go - ISA gating for the bf16 block-panel BRGEMM path (spec §4.7's
// selection table: "bf16 implies BRGEMM is available"). Grounded on
// golang.org/x/sys/cpu, a direct teacher dependency.
package cpu

import "golang.org/x/sys/cpu"

// SupportsBF16Path reports whether this host can run the bf16 BRGEMM
// prefill sub-strategy. Real BF16 matrix extensions (AVX512_BF16, AMX) are
// not exposed by golang.org/x/sys/cpu; AVX2 is used as the practical proxy
// for "has a vectorized path worth taking". The dispatcher only needs a
// yes/no gate: when this is false it rejects the block-panel strategy with
// a precondition failure.
func SupportsBF16Path() bool {
	switch {
	case cpu.X86.HasAVX2:
		return true
	case cpu.ARM64.HasASIMD:
		return true
	default:
		return false
	}
}

// SupportsSGEMM reports whether the FP32 SGEMM path (spec §4.1.3) is
// available. The cpu backend always provides it (gonum has no ISA
// dependency), so this exists purely so the dispatcher's decision logic in
// spec §4.7 has a concrete boolean to branch on, matching the source
// design's "assumes SGEMM available" footnote.
func SupportsSGEMM() bool {
	return true
}

// config.go - the Config struct and KernelStrategy closed variant from
// spec §6 and §9's design note ("replace template specialization with a
// closed variant KernelStrategy").
package attention

import "github.com/7blacky7/attnengine/ml"

// KernelStrategy selects which kernel implementation handles a call, chosen
// by Dispatch per spec §4.7's selection table.
type KernelStrategy int

const (
	StrategyFullMatmul KernelStrategy = iota
	StrategyBlockPanel
	StrategySGEMM
	StrategyIncremental
)

func (s KernelStrategy) String() string {
	switch s {
	case StrategyFullMatmul:
		return "full-matmul"
	case StrategyBlockPanel:
		return "block-panel-brgemm"
	case StrategySGEMM:
		return "sgemm"
	case StrategyIncremental:
		return "incremental"
	default:
		return "unknown"
	}
}

// Config carries every recognized option from spec §6.
type Config struct {
	// OutputBLHxS transposes the output layout to [B,q_len,H_q*S].
	OutputBLHxS bool

	// FuseCausalAttn causes a supplied additive/boolean mask to also act as
	// the causal mask (mask doubles as causal).
	FuseCausalAttn bool

	// IsCausal requests implicit causal masking with no explicit mask.
	IsCausal bool

	// FuseConcat appends the current step's K/V into the cache before
	// computing attention, and reads K/V back from the cache views.
	FuseConcat bool

	// PermuteAxes is a logical-to-canonical axis permutation, applied by
	// stride permutation rather than copy (spec §3).
	PermuteAxes [4]int

	// KVCachePrecision records the caller's KV-cache storage choice.
	// Dispatch does not read it: the cache's own ml.CacheConfig decides how
	// past K/V are stored.
	KVCachePrecision ml.DType

	// Scale is the attention scale; if zero, Dispatch defaults to 1/sqrt(S).
	Scale float64

	// MaskPolarity controls boolean-mask interpretation (spec §3(b)).
	MaskPolarity ml.MaskPolarity

	// ForceSGEMM forces the FP32 SGEMM path even when BRGEMM would
	// otherwise be selected, for debugging/benchmarking (envconfig.ForceSGEMM).
	ForceSGEMM bool
}

// DefaultPermuteAxes is the identity permutation.
func DefaultPermuteAxes() [4]int { return [4]int{0, 1, 2, 3} }

// L1 is the current-step (query) length. Named to match OpenVINO's
// use_one_token routing rule (`L1 == 1 || (fuse_concat && L0 > 0)`), which
// gates on current-step length rather than the caller's nominal q_len when
// several current-step tokens are concatenated in one call.
func L1(qLen int) int { return qLen }

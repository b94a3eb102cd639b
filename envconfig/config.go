// config.go - environment-variable configuration for the attention engine.
//
// Trimmed from the teacher's server-wide config surface (host, origins,
// scheduler knobs, GPU visibility) down to the three knobs this engine
// actually reads: worker-pool size, default KV-cache precision, and the
// SGEMM force-override. Var/LogLevel keep the teacher's own env-parsing
// idiom (trim quotes, OLLAMA_DEBUG log-level mapping) since logging is an
// ambient concern this repo carries regardless of scope.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/7blacky7/attnengine/ml"
)

// Var returns an environment variable's value, trimmed of surrounding
// whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel reports the configured slog level.
// Configurable via ATTNENGINE_DEBUG: unset/false = INFO, true/1 = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ATTNENGINE_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			level = slog.LevelDebug
		} else if i, err := strconv.ParseInt(s, 10, 64); err == nil && i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NumThreads reports the size of the fork-join worker pool the cpu backend
// should schedule onto. Configurable via ATTNENGINE_NUM_THREADS; defaults to
// runtime.NumCPU().
func NumThreads() int {
	if s := Var("ATTNENGINE_NUM_THREADS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid ATTNENGINE_NUM_THREADS, using default", "value", s)
	}
	return runtime.NumCPU()
}

// DefaultKVCachePrecision reports the KVCachePrecision the cpu backend puts
// in its default ml.CacheConfig (only i8 changes how caches store K/V; see
// ml.CacheConfig.KVCachePrecision). Configurable via
// ATTNENGINE_KV_CACHE_TYPE (f32, f16, bf16, i8); defaults to f16.
func DefaultKVCachePrecision() ml.DType {
	switch strings.ToLower(Var("ATTNENGINE_KV_CACHE_TYPE")) {
	case "f32":
		return ml.DTypeF32
	case "bf16":
		return ml.DTypeBF16
	case "i8", "int8", "u8":
		return ml.DTypeI8
	case "f16", "":
		return ml.DTypeF16
	default:
		slog.Warn("unrecognized ATTNENGINE_KV_CACHE_TYPE, using f16", "value", Var("ATTNENGINE_KV_CACHE_TYPE"))
		return ml.DTypeF16
	}
}

// ForceSGEMM reports whether the FP32 SGEMM path should be forced even when
// BRGEMM would otherwise be selected, for debugging and benchmarking.
// Configurable via ATTNENGINE_FORCE_SGEMM.
func ForceSGEMM() bool {
	b, _ := strconv.ParseBool(Var("ATTNENGINE_FORCE_SGEMM"))
	return b
}

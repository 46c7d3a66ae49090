package orchestrator

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/anhed0nic/vmslayer/pkg/fuzz"
)

// Request options arrive as untyped maps from external callers; the
// helpers below coerce leniently and silently ignore malformed values.

func subMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return nil
}

func optionBool(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	switch v := opts[key].(type) {
	case bool:
		return v
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && parsed
	default:
		return false
	}
}

func optionInt(opts map[string]any, key string, fallback int) int {
	if opts == nil {
		return fallback
	}
	switch v := opts[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

// coverageSetOf normalizes a caller-supplied coverage hint into a set of
// block ids. Non-integer items are discarded; a bare integer becomes a
// one-element set.
func coverageSetOf(raw any) fuzz.CoverageSet {
	set := make(fuzz.CoverageSet)
	switch values := raw.(type) {
	case nil:
	case fuzz.CoverageSet:
		set.Union(values)
	case []uint64:
		for _, v := range values {
			set.Add(v)
		}
	case []int:
		for _, v := range values {
			if v >= 0 {
				set.Add(uint64(v))
			}
		}
	case []any:
		for _, v := range values {
			if b, ok := blockOf(v); ok {
				set.Add(b)
			}
		}
	default:
		if b, ok := blockOf(raw); ok {
			set.Add(b)
		}
	}
	return set
}

// branchesOf normalizes the target_branches option into an ordered list
// of branch ids. A non-iterable value yields no branches.
func branchesOf(raw any) []uint64 {
	var out []uint64
	switch values := raw.(type) {
	case []uint64:
		out = append(out, values...)
	case []int:
		for _, v := range values {
			if v >= 0 {
				out = append(out, uint64(v))
			}
		}
	case []int64:
		for _, v := range values {
			if v >= 0 {
				out = append(out, uint64(v))
			}
		}
	case []any:
		for _, v := range values {
			if b, ok := blockOf(v); ok {
				out = append(out, b)
			}
		}
	}
	return out
}

func blockOf(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint64:
		return t, true
	case uint32:
		return uint64(t), true
	case int:
		if t >= 0 {
			return uint64(t), true
		}
	case int32:
		if t >= 0 {
			return uint64(t), true
		}
	case int64:
		if t >= 0 {
			return uint64(t), true
		}
	case float64:
		if t >= 0 {
			return uint64(t), true
		}
	case string:
		if n, err := strconv.ParseUint(strings.TrimSpace(t), 0, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// bytesOf coerces a sample_input option: bytes pass through, strings are
// encoded, everything else is rejected.
func bytesOf(raw any) []byte {
	switch v := raw.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

// previewHex renders the first eight bytes of a payload for reports.
func previewHex(data []byte) string {
	if len(data) > 8 {
		data = data[:8]
	}
	return hex.EncodeToString(data)
}

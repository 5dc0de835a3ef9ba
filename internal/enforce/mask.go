package enforce

// MaskedValue replaces every masked field's value in a response.
const MaskedValue = "[REDACTED]"

// Mask walks an arbitrary JSON tree and replaces the value of any map
// key named in fields with MaskedValue. Lists are walked element-wise;
// primitives pass through. The walk is total: it never fails, never
// removes keys, and never shortens lists.
func Mask(value any, fields []string) any {
	if len(fields) == 0 {
		return value
	}
	masked := make(map[string]bool, len(fields))
	for _, f := range fields {
		masked[f] = true
	}
	return maskWalk(value, masked)
}

func maskWalk(value any, masked map[string]bool) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if masked[key] {
				out[key] = MaskedValue
				continue
			}
			out[key] = maskWalk(val, masked)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = maskWalk(elem, masked)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = maskWalk(elem, masked)
		}
		return out
	default:
		return value
	}
}

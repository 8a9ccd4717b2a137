package models

// Clone deep-copies a value tree made of maps, slices and scalars. Scalars
// are immutable in decoded JSON so they are shared.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneValue(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	}
	return v
}

// CloneValue deep-copies a record value. A nil value stays nil.
func CloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	for k, e := range v {
		out[k] = Clone(e)
	}
	return out
}

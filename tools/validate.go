package tools

// Validate checks args against the tool's schema: every required field must
// be present and every known field type-compatible. Unknown fields are
// permitted but returned as warnings so the caller can surface them.
// Validate is pure; it never touches the network.
func Validate(t Tool, args map[string]any) ([]string, error) {
	verr := &ValidationError{Tool: t.Name}
	for _, f := range t.Schema.Fields {
		v, present := args[f.Name]
		if !present {
			if f.Required {
				verr.Missing = append(verr.Missing, f.Name)
			}
			continue
		}
		if !typeCompatible(f.Type, v) {
			verr.Invalid = append(verr.Invalid, f.Name)
		}
	}
	var warnings []string
	for name := range args {
		if _, known := t.Schema.Field(name); !known {
			warnings = append(warnings, "unknown field: "+name)
		}
	}
	if len(verr.Missing) > 0 || len(verr.Invalid) > 0 {
		return warnings, verr
	}
	return warnings, nil
}

// typeCompatible maps each closed type tag onto the Go shapes JSON decoding
// produces. JSON numbers arrive as float64, so an integer field accepts a
// float64 with no fractional part.
func typeCompatible(t FieldType, v any) bool {
	if v == nil {
		return false
	}
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return true
}

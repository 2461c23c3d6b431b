package util

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidationError names the first argument that does not fit a schema.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Field, e.Message)
}

// CreateSchema derives a flat JSON object schema from the exported fields of
// a struct. The json tag names the property, a description tag documents it,
// and every field is required unless it is a pointer or tagged omitempty.
// Anything but a struct yields an empty object schema.
func CreateSchema(structType any) map[string]any {
	props := map[string]any{}
	schema := map[string]any{"type": "object", "properties": props}

	t := reflect.TypeOf(structType)
	if t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return schema
	}

	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if !f.IsExported() || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = f.Name
		}

		prop := map[string]any{"type": jsonType(f.Type)}
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		props[name] = prop

		if f.Type.Kind() != reflect.Ptr && !strings.Contains(","+opts+",", ",omitempty,") {
			required = append(required, name)
		}
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonType(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

// ValidateParameters checks decoded JSON arguments against schema: required
// properties must be present and known properties must match their type.
// Unknown properties and null values pass.
func ValidateParameters(params map[string]any, schema map[string]any) error {
	for _, name := range requiredFields(schema) {
		if _, ok := params[name]; !ok {
			return &ValidationError{Field: name, Message: "required field is missing"}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, value := range params {
		prop, _ := props[name].(map[string]any)
		want, _ := prop["type"].(string)
		if value == nil || want == "" || matchesType(value, want) {
			continue
		}
		return &ValidationError{
			Field:   name,
			Value:   value,
			Message: fmt.Sprintf("expected type %s, got %T", want, value),
		}
	}
	return nil
}

// requiredFields accepts both the []string produced by CreateSchema and the
// []any shape of a JSON decoded schema.
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func matchesType(value any, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "integer", "number":
		v := reflect.ValueOf(value)
		switch v.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64:
			// JSON numbers decode as float64; integers must have no fraction
			return want == "number" || v.Float() == float64(int64(v.Float()))
		}
		return false
	default:
		return true
	}
}

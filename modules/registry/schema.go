package registry

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
)

var validTypes = map[string]struct{}{
	"string":  {},
	"integer": {},
	"number":  {},
	"boolean": {},
	"object":  {},
	"array":   {},
}

// Property constrains a single tool parameter.
type Property struct {
	Type        string   `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern"`
	MinLength   *int     `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength   *int     `json:"max_length,omitempty" yaml:"max_length"`
	Minimum     *float64 `json:"minimum,omitempty" yaml:"minimum"`
	Maximum     *float64 `json:"maximum,omitempty" yaml:"maximum"`
	Enum        []any    `json:"enum,omitempty" yaml:"enum"`

	compiledPattern *regexp.Regexp
}

// ParameterSchema is the typed argument schema of a tool.
type ParameterSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// validate checks the schema itself at registration time.
func (s *ParameterSchema) validate() error {
	for name, p := range s.Properties {
		if _, ok := validTypes[p.Type]; !ok {
			return fmt.Errorf("property %q has unknown type %q", name, p.Type)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("property %q has invalid pattern: %w", name, err)
			}
			p.compiledPattern = re
			s.Properties[name] = p
		}
	}
	for _, r := range s.Required {
		if _, ok := s.Properties[r]; !ok {
			return fmt.Errorf("required field %q is not a declared property", r)
		}
	}
	return nil
}

// validateArgs checks decoded JSON arguments against the schema.
func (s *ParameterSchema) validateArgs(args map[string]any) []FieldError {
	var errs []FieldError

	for _, r := range s.Required {
		if _, ok := args[r]; !ok {
			errs = append(errs, FieldError{Field: r, Message: "required field missing"})
		}
	}

	for name, val := range args {
		p, ok := s.Properties[name]
		if !ok {
			errs = append(errs, FieldError{Field: name, Message: "unknown field"})
			continue
		}
		if fe := p.check(name, val); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

func (p *Property) check(name string, val any) *FieldError {
	fail := func(format string, a ...any) *FieldError {
		return &FieldError{Field: name, Message: fmt.Sprintf(format, a...)}
	}

	switch p.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			return fail("expected string, got %T", val)
		}
		if p.MinLength != nil && len(s) < *p.MinLength {
			return fail("length %d below minimum %d", len(s), *p.MinLength)
		}
		if p.MaxLength != nil && len(s) > *p.MaxLength {
			return fail("length %d above maximum %d", len(s), *p.MaxLength)
		}
		if p.Pattern != "" {
			re := p.compiledPattern
			if re == nil {
				re = regexp.MustCompile(p.Pattern)
			}
			if !re.MatchString(s) {
				return fail("does not match pattern %s", p.Pattern)
			}
		}
	case "integer":
		f, ok := asNumber(val)
		if !ok || f != math.Trunc(f) {
			return fail("expected integer, got %v", val)
		}
		if fe := p.checkBounds(name, f); fe != nil {
			return fe
		}
	case "number":
		f, ok := asNumber(val)
		if !ok {
			return fail("expected number, got %T", val)
		}
		if fe := p.checkBounds(name, f); fe != nil {
			return fe
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fail("expected boolean, got %T", val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fail("expected object, got %T", val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fail("expected array, got %T", val)
		}
	}

	if len(p.Enum) > 0 {
		found := false
		for _, e := range p.Enum {
			if reflect.DeepEqual(e, val) {
				found = true
				break
			}
		}
		if !found {
			return fail("value not in enum")
		}
	}
	return nil
}

func (p *Property) checkBounds(name string, f float64) *FieldError {
	if p.Minimum != nil && f < *p.Minimum {
		return &FieldError{Field: name, Message: fmt.Sprintf("value %v below minimum %v", f, *p.Minimum)}
	}
	if p.Maximum != nil && f > *p.Maximum {
		return &FieldError{Field: name, Message: fmt.Sprintf("value %v above maximum %v", f, *p.Maximum)}
	}
	return nil
}

func asNumber(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ToolSchema is the external schema format handed to the LLM: one entry
// of the list consumed by the provider contract.
type ToolSchema struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  SchemaObject `json:"parameters"`
}

type SchemaObject struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

func exportSchema(t *Tool) ToolSchema {
	required := t.Parameters.Required
	if required == nil {
		required = []string{}
	}
	props := t.Parameters.Properties
	if props == nil {
		props = map[string]Property{}
	}
	return ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters: SchemaObject{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

func sortSchemas(schemas []ToolSchema) {
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
}

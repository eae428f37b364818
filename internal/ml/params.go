package ml

import (
	"encoding/json"
	"fmt"

	"github.com/riskline/defector/internal/domain"
)

// ValidateParams checks submitted hyperparameters against a parameter schema:
// unknown names, missing required parameters, type mismatches, range and
// option violations all reject with ErrInvalidArgument.
func ValidateParams(schema []domain.ParamSpec, params map[string]json.RawMessage) error {
	specs := make(map[string]domain.ParamSpec, len(schema))
	for _, s := range schema {
		specs[s.Name] = s
	}
	for name := range params {
		if _, ok := specs[name]; !ok {
			return fmt.Errorf("unknown parameter %q: %w", name, domain.ErrInvalidArgument)
		}
	}
	for _, s := range schema {
		raw, ok := params[s.Name]
		if !ok {
			if s.Required && len(s.Default) == 0 {
				return fmt.Errorf("missing required parameter %q: %w", s.Name, domain.ErrInvalidArgument)
			}
			continue
		}
		if err := checkParam(s, raw); err != nil {
			return err
		}
	}
	return nil
}

func checkParam(s domain.ParamSpec, raw json.RawMessage) error {
	switch s.Type {
	case domain.ParamInteger:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parameter %q must be an integer: %w", s.Name, domain.ErrInvalidArgument)
		}
		return checkRange(s, float64(v))
	case domain.ParamFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parameter %q must be a number: %w", s.Name, domain.ErrInvalidArgument)
		}
		return checkRange(s, v)
	case domain.ParamBoolean:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parameter %q must be a boolean: %w", s.Name, domain.ErrInvalidArgument)
		}
	case domain.ParamString, domain.ParamTextChoice, domain.ParamEnum:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parameter %q must be a string: %w", s.Name, domain.ErrInvalidArgument)
		}
		if len(s.Options) > 0 {
			for _, opt := range s.Options {
				if v == opt {
					return nil
				}
			}
			return fmt.Errorf("parameter %q must be one of %v: %w", s.Name, s.Options, domain.ErrInvalidArgument)
		}
	}
	return nil
}

func checkRange(s domain.ParamSpec, v float64) error {
	if s.Range == nil {
		return nil
	}
	if s.Range.Min != nil && v < *s.Range.Min {
		return fmt.Errorf("parameter %q below minimum %v: %w", s.Name, *s.Range.Min, domain.ErrInvalidArgument)
	}
	if s.Range.Max != nil && v > *s.Range.Max {
		return fmt.Errorf("parameter %q above maximum %v: %w", s.Name, *s.Range.Max, domain.ErrInvalidArgument)
	}
	return nil
}

// Typed accessors with defaults, used by strategy factories.

func intParam(params map[string]json.RawMessage, name string, def int) int {
	if raw, ok := params[name]; ok {
		var v int
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func floatParam(params map[string]json.RawMessage, name string, def float64) float64 {
	if raw, ok := params[name]; ok {
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func boolParam(params map[string]json.RawMessage, name string, def bool) bool {
	if raw, ok := params[name]; ok {
		var v bool
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func stringParam(params map[string]json.RawMessage, name, def string) string {
	if raw, ok := params[name]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return def
}

func ptrFloat(v float64) *float64 { return &v }

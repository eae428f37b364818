package domain

import (
	"encoding/json"
	"time"
)

// CapabilityRegistry names one of the three parallel registry tables.
type CapabilityRegistry string

const (
	RegistryCleaningRules    CapabilityRegistry = "cleaning_rules"
	RegistryFeatureSelection CapabilityRegistry = "feature_selection_algorithms"
	RegistryModelTypes       CapabilityRegistry = "model_types"
)

// ParamType enumerates hyper-parameter / rule-parameter descriptor types.
type ParamType string

const (
	ParamInteger    ParamType = "integer"
	ParamFloat      ParamType = "float"
	ParamString     ParamType = "string"
	ParamBoolean    ParamType = "boolean"
	ParamTextChoice ParamType = "text_choice"
	ParamEnum       ParamType = "enum"
)

// ParamRange bounds numeric parameters.
type ParamRange struct {
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Step *float64 `json:"step,omitempty"`
	Log  bool     `json:"log,omitempty"`
}

// ParamSpec describes one parameter of a capability. The control plane
// surfaces these verbatim to the UI and validates submissions against them.
type ParamSpec struct {
	Name        string          `json:"name"`
	Type        ParamType       `json:"type"`
	Description string          `json:"description,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
	Range       *ParamRange     `json:"range,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Required    bool            `json:"required"`
}

// Capability is one registry row. Rows are owned by the worker that last
// wrote them; only the owner may down-flag on a later sync.
type Capability struct {
	Name          string      `json:"name"`
	DisplayName   string      `json:"display_name"`
	Description   string      `json:"description"`
	ParameterSpec []ParamSpec `json:"parameter_schema"`
	IsImplemented bool        `json:"is_implemented"`
	LastUpdatedBy string      `json:"-"`
	UpdatedAt     time.Time   `json:"-"`
}

// CapabilityRepository is the port for the three registry tables. Sync runs
// in one transaction per registry: upsert the discovered set as implemented,
// then down-flag the caller's rows that vanished from it.
type CapabilityRepository interface {
	Sync(ctx Context, registry CapabilityRegistry, workerID string, discovered []Capability) error
	ListImplemented(ctx Context, registry CapabilityRegistry) ([]Capability, error)
	Get(ctx Context, registry CapabilityRegistry, name string) (Capability, error)
}

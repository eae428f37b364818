// Package cleaning holds the data-cleaning rules applied during dataset
// generation. Rules are pure frame transforms registered by name; the
// registry projects into the cleaning_rules capability table.
package cleaning

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/riskline/defector/internal/domain"
	"github.com/riskline/defector/internal/tabular"
)

// Env carries per-run context a rule may need beyond its own parameters.
type Env struct {
	// BotPatterns is the repository's bot pattern set, exclusions included.
	BotPatterns []domain.BotPattern
	// AuthorColumn names the column holding the commit author, when present.
	AuthorColumn string
}

// Rule is one cleaning transform. BatchSafe rules may run per batch during
// streaming; the rest run once on the concatenated frame.
type Rule interface {
	Name() string
	DisplayName() string
	Description() string
	BatchSafe() bool
	Schema() []domain.ParamSpec
	Apply(f *tabular.Frame, params map[string]json.RawMessage, env Env) (*tabular.Frame, error)
}

var registry = map[string]Rule{}

// Register adds a rule; duplicate names panic at init time.
func Register(r Rule) {
	if _, dup := registry[r.Name()]; dup {
		panic(fmt.Sprintf("cleaning: duplicate rule %q", r.Name()))
	}
	registry[r.Name()] = r
}

// Lookup returns the rule registered under name.
func Lookup(name string) (Rule, error) {
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown cleaning rule %q: %w", name, domain.ErrInvalidArgument)
	}
	return r, nil
}

// All returns every registered rule sorted by name.
func All() []Rule {
	out := make([]Rule, 0, len(registry))
	for _, r := range registry {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Capabilities projects the registry into capability rows for sync.
func Capabilities() []domain.Capability {
	rules := All()
	out := make([]domain.Capability, 0, len(rules))
	for _, r := range rules {
		out = append(out, domain.Capability{
			Name:          r.Name(),
			DisplayName:   r.DisplayName(),
			Description:   r.Description(),
			ParameterSpec: r.Schema(),
			IsImplemented: true,
		})
	}
	return out
}

// Validate checks a submitted rule list: every name must resolve and every
// parameter set must satisfy its rule's schema.
func Validate(rules []domain.CleaningRuleConfig) error {
	for _, rc := range rules {
		r, err := Lookup(rc.Name)
		if err != nil {
			return err
		}
		if err := validateParams(r.Schema(), rc.Params); err != nil {
			return fmt.Errorf("rule %q: %w", rc.Name, err)
		}
	}
	return nil
}

func validateParams(schema []domain.ParamSpec, params map[string]json.RawMessage) error {
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
		if _, ok := params[s.Name]; !ok && s.Required && len(s.Default) == 0 {
			return fmt.Errorf("missing required parameter %q: %w", s.Name, domain.ErrInvalidArgument)
		}
	}
	return nil
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

func stringsParam(params map[string]json.RawMessage, name string) []string {
	if raw, ok := params[name]; ok {
		var v []string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return nil
}

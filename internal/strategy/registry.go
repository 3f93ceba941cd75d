package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"strategy-engine/internal/engineerr"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Definition registers one strategy variant. Defaults returns a pointer to a
// params struct pre-filled with default values; Build binds validated params.
type Definition struct {
	Name        string
	Description string
	Defaults    func() any
	Build       func(params any) Evaluator
}

// Info describes a registered strategy for API consumers.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Defaults    any             `json:"defaults"`
	Parameters  json.RawMessage `json:"parameters"` // JSON schema with default/minimum/maximum
}

// Registry is the table of available strategies.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	validate *validator.Validate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// DefaultRegistry returns a registry holding the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []Definition{
		emaCrossoverDefinition(),
		rsiReversionDefinition(),
		bollingerDefinition(),
		macdDefinition(),
		rsiDivergenceDefinition(),
		nadarayaWatsonDefinition(),
	} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a definition; names are unique and case-insensitive.
func (r *Registry) Register(d Definition) error {
	if d.Name == "" || d.Defaults == nil || d.Build == nil {
		return fmt.Errorf("strategy definition %q incomplete", d.Name)
	}
	key := strings.ToLower(d.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[key]; ok {
		return fmt.Errorf("strategy %q already registered", d.Name)
	}
	r.defs[key] = d
	return nil
}

// Get looks up a definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[strings.ToLower(name)]
	return d, ok
}

// List returns every registered strategy sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		defs = append(defs, d)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

	out := make([]Info, 0, len(defs))
	for _, d := range defs {
		defaults := d.Defaults()
		schema, _ := json.Marshal(reflector.Reflect(defaults))
		out = append(out, Info{
			Name:        d.Name,
			Description: d.Description,
			Defaults:    defaults,
			Parameters:  schema,
		})
	}
	return out
}

// New decodes raw parameters over the strategy defaults, validates them and
// binds an Evaluator. Failures are configuration errors.
func (r *Registry) New(name string, raw map[string]any) (Evaluator, error) {
	const op = "strategy.New"

	d, ok := r.Get(name)
	if !ok {
		return nil, engineerr.Configuration(op, fmt.Errorf("%w: %q", ErrUnknownStrategy, name))
	}

	params := d.Defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           params,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, engineerr.Configuration(op, err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, engineerr.Configuration(op, fmt.Errorf("%s parameters: %w", d.Name, err))
	}
	if err := r.validate.Struct(params); err != nil {
		return nil, engineerr.Configuration(op, fmt.Errorf("%s parameters: %w", d.Name, err))
	}
	return d.Build(params), nil
}

// NewFromJSON is New for a JSON object string; an empty string means defaults.
func (r *Registry) NewFromJSON(name, rawJSON string) (Evaluator, error) {
	raw := map[string]any{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
			return nil, engineerr.Configuration("strategy.NewFromJSON", fmt.Errorf("parameters are not a JSON object: %w", err))
		}
	}
	return r.New(name, raw)
}

// Package schema checks proposal documents against their versioned structural
// schema. It knows nothing about narrative meaning.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed proposal.v1.schema.json
var proposalV1 []byte

// ErrUnknownVersion is returned for a schema_version with no registered schema.
var ErrUnknownVersion = errors.New("unknown proposal schema version")

// Result is the outcome of a structural check. Errors is empty when Valid.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validator holds one compiled schema per version.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the built-in schemas.
func New() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	if err := v.register("v1", proposalV1); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNew is New for package-level wiring; the embedded schemas are fixed.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) register(version string, raw []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true
	schemaURL := fmt.Sprintf("https://spine.naos.local/schemas/proposal.%s.schema.json", version)
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("proposal schema %s load failed: %w", version, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("proposal schema %s compile failed: %w", version, err)
	}
	v.schemas[version] = compiled
	return nil
}

// Versions lists the registered schema versions.
func (v *Validator) Versions() []string {
	out := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks a decoded JSON document (maps, slices, strings, float64)
// against the schema its schema_version names.
func (v *Validator) Validate(doc any) Result {
	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{Errors: []string{"Proposal must be an object."}}
	}
	version, _ := obj["schema_version"].(string)
	compiled, ok := v.schemas[version]
	if !ok {
		return Result{Errors: []string{fmt.Sprintf("schema_version %q is not supported.", version)}}
	}
	if err := compiled.Validate(doc); err != nil {
		return Result{Errors: flatten(err)}
	}
	return Result{Valid: true, Errors: []string{}}
}

// ValidateJSON decodes raw and validates it.
func (v *Validator) ValidateJSON(raw []byte) (Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, fmt.Errorf("decode proposal document: %w", err)
	}
	return v.Validate(doc), nil
}

// ValidateValue round-trips a typed value through JSON so the schema sees the
// wire shape.
func (v *Validator) ValidateValue(value any) (Result, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{}, fmt.Errorf("encode proposal document: %w", err)
	}
	return v.ValidateJSON(raw)
}

// Schema returns the raw schema document for a version.
func Schema(version string) ([]byte, error) {
	if version != "v1" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	return append([]byte(nil), proposalV1...), nil
}

// flatten turns the validation error tree into "location: message" lines,
// leaves only, in a stable order.
func flatten(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	seen := make(map[string]struct{})
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			line := loc + ": " + e.Message
			if _, dup := seen[line]; !dup {
				seen[line] = struct{}{}
				out = append(out, line)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

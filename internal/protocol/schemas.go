package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "mem://mss/schemas/"

// Validator checks raw inbound messages against the embedded schemas,
// selected by the message type.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

// typeForFile maps "block_added.schema.json" to "BLOCK_ADDED".
func typeForFile(name string) string {
	return strings.ToUpper(strings.TrimSuffix(name, ".schema.json"))
}

func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	var names []string
	for _, e := range entries {
		f, err := schemaFS.Open("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		err = c.AddResource(schemaBase+e.Name(), f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		if e.Name() != "common.schema.json" {
			names = append(names, e.Name())
		}
	}
	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(names))}
	for _, n := range names {
		s, err := c.Compile(schemaBase + n)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", n, err)
		}
		v.byType[typeForFile(n)] = s
	}
	return v, nil
}

// Types returns the message types that have a schema.
func (v *Validator) Types() []string {
	out := make([]string, 0, len(v.byType))
	for t := range v.byType {
		out = append(out, t)
	}
	return out
}

// Validate checks raw against the schema for typ. Unknown types fail.
func (v *Validator) Validate(typ string, raw []byte) error {
	s, ok := v.byType[typ]
	if !ok {
		return fmt.Errorf("unknown message type %q", typ)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

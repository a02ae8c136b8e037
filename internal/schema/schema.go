// Package schema implements defschema: type definitions that every event
// and effect-intent payload is canonicalized and validated against before
// it may enter the journal.
//
// Authoring-form values arrive as JSON (variants written as
// {"$tag": Name, "$value": ...}); they are pre-validated against a JSON
// Schema derived from the defschema, then canonicalized into the typed
// CBOR form the kernel hashes and journals.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/canon"
	"github.com/smartcomputer-ai/agent-os-sub003/internal/errtax"
)

// Kind enumerates the scalar and composite type constructors a defschema
// may be built from.
type Kind string

const (
	KindRecord  Kind = "record"
	KindVariant Kind = "variant"
	KindNat     Kind = "nat"
	KindInt     Kind = "int"
	KindText    Kind = "text"
	KindBytes   Kind = "bytes"
	KindBool    Kind = "bool"
	KindHash    Kind = "hash"
	KindDec128  Kind = "dec128"
	KindOption  Kind = "option"
	KindList    Kind = "list"
	KindMap     Kind = "map"
	KindRef     Kind = "ref"
)

// Field describes one record field or variant arm.
type Field struct {
	Name     string `cbor:"name"`
	Type     *Def   `cbor:"type"`
	Required bool   `cbor:"required"`
}

// Def is a defschema type definition node. Composite kinds nest further
// Defs (Fields for record/variant, Of for option/list, Key/Value for map,
// RefName for ref<Name>).
type Def struct {
	Kind    Kind     `cbor:"kind"`
	Fields  []Field  `cbor:"fields,omitempty"`
	Of      *Def     `cbor:"of,omitempty"`
	Key     *Def     `cbor:"key,omitempty"`
	Value   *Def     `cbor:"value,omitempty"`
	RefName string   `cbor:"ref_name,omitempty"`
}

// Schema is a named, versioned defschema pinned by content hash.
type Schema struct {
	Name string `cbor:"name"`
	Ver  uint64 `cbor:"ver"`
	Def  *Def   `cbor:"def"`
}

// FQName is the manifest-facing identity of a schema, e.g. "demo/CounterEvent@1".
func (s Schema) FQName() string {
	return fmt.Sprintf("%s@%d", s.Name, s.Ver)
}

// Registry holds every schema a manifest pins, keyed by fully-qualified
// name, plus a lazily-built JSON Schema for authoring-form pre-validation.
type Registry struct {
	schemas map[string]*Schema
	jsonSch map[string]*jsonschema.Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
		jsonSch: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a schema to the registry and compiles its authoring-form
// JSON Schema so later Validate calls don't pay compilation cost per call.
func (r *Registry) Register(s *Schema) error {
	fq := s.FQName()
	compiled, err := compileJSONSchema(fq, s.Def)
	if err != nil {
		return fmt.Errorf("schema: compiling %s: %w", fq, err)
	}
	r.schemas[fq] = s
	r.jsonSch[fq] = compiled
	return nil
}

// Lookup finds a registered schema by fully-qualified name.
func (r *Registry) Lookup(fq string) (*Schema, bool) {
	s, ok := r.schemas[fq]
	return s, ok
}

// Validate checks an authoring-form JSON payload against the named
// schema's JSON Schema projection, then canonicalizes it into typed CBOR
// bytes and a content hash. This is the only path by which an event or
// effect-intent payload may enter the journal.
func (r *Registry) Validate(fq string, authoringJSON []byte) (cborBytes []byte, hash canon.Hash, err error) {
	def, ok := r.schemas[fq]
	if !ok {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "schema not found", map[string]any{"schema": fq})
	}

	if len(authoringJSON) == 0 {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "empty payload", map[string]any{"schema": fq})
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(authoringJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "invalid json", map[string]any{"schema": fq, "error": err.Error()})
	}
	if err := rejectDuplicateKeys(authoringJSON); err != nil {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "duplicate map key", map[string]any{"schema": fq, "error": err.Error()})
	}

	if js, ok := r.jsonSch[fq]; ok {
		if err := js.Validate(doc); err != nil {
			return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "json schema validation failed", map[string]any{
				"schema": fq,
				"error":  err.Error(),
			})
		}
	}

	typed, err := coerce(def.Def, doc, "$")
	if err != nil {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, err.Error(), map[string]any{"schema": fq})
	}

	b, err := canon.Encode(typed)
	if err != nil {
		return nil, canon.Hash{}, errtax.New(errtax.SchemaValidation, "canonicalization failed", map[string]any{"schema": fq, "error": err.Error()})
	}
	return b, canon.HashBytes(b), nil
}


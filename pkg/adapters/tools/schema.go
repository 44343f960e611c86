package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResource = "tool.json"

// schemaCache holds compiled argument schemas keyed by their canonical JSON,
// so every distinct schema is compiled once.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// get returns the compiled form of schema. A nil or empty schema accepts
// any arguments and yields nil.
func (c *schemaCache) get(schema map[string]interface{}) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	key := string(raw)

	c.mu.RLock()
	sch, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return sch, nil
	}

	sch, err = compileSchema(raw)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[key] = sch
	c.mu.Unlock()
	return sch, nil
}

func (c *schemaCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	sch, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return sch, nil
}

// ValidateArguments checks args against a JSON schema the model was given.
// The returned error names the JSON pointer of the first violation.
func ValidateArguments(schema map[string]interface{}, args map[string]interface{}) error {
	sch, err := newSchemaCache().get(schema)
	if err != nil {
		return err
	}
	return validate(sch, args)
}

func validate(sch *jsonschema.Schema, args map[string]interface{}) error {
	if sch == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	// Round trip through JSON so Go-typed values from callers validate the
	// same as decoded model output.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode arguments: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}

	err = sch.Validate(inst)
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("arguments invalid at %q: %w", pointer(firstLeaf(verr)), err)
	}
	return err
}

func firstLeaf(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}

func pointer(verr *jsonschema.ValidationError) string {
	return "/" + strings.Join(verr.InstanceLocation, "/")
}

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrInvalidArguments marks arguments rejected by a tool's schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Validator checks call arguments against tool parameter schemas. Compiled
// schemas are cached by owner, name and schema text.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate returns an ErrInvalidArguments error when params do not satisfy
// the tool schema. Schemas that do not compile are not enforced.
func (v *Validator) Validate(tool *models.ToolDescriptor, params map[string]any) error {
	if len(tool.Parameters) == 0 {
		return nil
	}
	schema, err := v.compile(tool)
	if err != nil {
		return nil
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArguments, describe(err))
	}
	return nil
}

func (v *Validator) compile(tool *models.ToolDescriptor) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(tool.Parameters)
	if err != nil {
		return nil, err
	}
	key := tool.Owner + "\x00" + tool.Name + "\x00" + string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("tool.schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	s, err := c.Compile("tool.schema.json")
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}

// describe flattens a validation error to its leaf messages.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}

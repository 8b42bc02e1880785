package jobimport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const unitSchemaURL = "jobimport://unit-of-work.json"

const unitSchemaDocument = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "source", "candidates"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "enqueuedAt": {"type": "string"},
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "jobId": {"type": "string"},
          "title": {"type": "string"},
          "company": {"type": "string"},
          "location": {"type": "string"},
          "description": {"type": "string"},
          "url": {"type": "string"},
          "category": {"type": "string"}
        }
      }
    }
  }
}`

var (
	unitSchemaOnce sync.Once
	unitSchema     *jsonschema.Schema
	unitSchemaErr  error
)

func compiledUnitSchema() (*jsonschema.Schema, error) {
	unitSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(unitSchemaDocument))
		if err != nil {
			unitSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(unitSchemaURL, doc); err != nil {
			unitSchemaErr = err
			return
		}
		unitSchema, unitSchemaErr = c.Compile(unitSchemaURL)
	})
	return unitSchema, unitSchemaErr
}

// DecodeUnit validates a queue payload against the unit schema before
// decoding it. Payloads that fail either step are wrapped in ErrInvalidInput.
func DecodeUnit(payload []byte) (UnitOfWork, error) {
	schema, err := compiledUnitSchema()
	if err != nil {
		return UnitOfWork{}, fmt.Errorf("compile unit schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return UnitOfWork{}, fmt.Errorf("%w: decode unit: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return UnitOfWork{}, fmt.Errorf("%w: unit schema: %v", ErrInvalidInput, err)
	}
	var unit UnitOfWork
	if err := json.Unmarshal(payload, &unit); err != nil {
		return UnitOfWork{}, fmt.Errorf("%w: decode unit: %v", ErrInvalidInput, err)
	}
	return unit, nil
}

func EncodeUnit(unit UnitOfWork) ([]byte, error) {
	if unit.Candidates == nil {
		unit.Candidates = []Candidate{}
	}
	return json.Marshal(unit)
}

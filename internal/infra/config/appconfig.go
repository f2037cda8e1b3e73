package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"

	"llmshell/internal/domain"
)

// appConfigSchema describes the JSON model catalogue (app-config.json).
const appConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["model_list"],
  "properties": {
    "model_list": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["model_url", "local_id"],
        "properties": {
          "model_url": {"type": "string", "minLength": 1},
          "local_id": {"type": "string", "minLength": 1},
          "required_features": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "model_lib_map": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    }
  }
}`

// LoadAppConfig reads and validates a JSON model catalogue.
func LoadAppConfig(path string) (*domain.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app config: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig validates data against the catalogue schema and decodes it.
func ParseAppConfig(data []byte) (*domain.AppConfig, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewDomainError("config.ParseAppConfig", domain.ErrConfigLoad, err.Error())
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(appConfigSchema))
	if err != nil {
		return nil, fmt.Errorf("compile app config schema: %w", err)
	}
	result := schema.Validate(doc)
	if !result.IsValid() {
		return nil, domain.NewDomainError("config.ParseAppConfig", domain.ErrConfigLoad, result.Error())
	}

	var app domain.AppConfig
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, domain.NewDomainError("config.ParseAppConfig", domain.ErrConfigLoad, err.Error())
	}
	return &app, nil
}

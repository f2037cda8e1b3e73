package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"llmshell/internal/domain"
)

const reloadSchema = `{
  "type": "object",
  "required": ["modelId"],
  "properties": {
    "modelId": {"type": "string", "minLength": 1},
    "chatOpts": {
      "type": ["object", "null"],
      "properties": {
        "temperature": {"type": "number", "minimum": 0},
        "top_p": {"type": "number", "minimum": 0, "maximum": 1},
        "repetition_penalty": {"type": "number", "minimum": 0},
        "max_gen_len": {"type": "integer", "minimum": 0},
        "conv_template": {"type": "string"}
      }
    },
    "appConfig": {
      "type": ["object", "null"],
      "properties": {
        "model_list": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["model_url", "local_id"],
            "properties": {
              "model_url": {"type": "string"},
              "local_id": {"type": "string"},
              "required_features": {"type": "array", "items": {"type": "string"}}
            }
          }
        },
        "model_lib_map": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

const generateSchema = `{
  "type": "object",
  "required": ["input"],
  "properties": {
    "input": {"type": "string"},
    "streamInterval": {"type": "integer", "minimum": 0}
  }
}`

// payloadSchemas holds the compiled schema of every call kind that carries a
// payload. Kinds without an entry accept any payload.
var payloadSchemas = map[domain.TaskKind]*jsonschema.Schema{
	domain.KindReload:   mustCompile("reload.json", reloadSchema),
	domain.KindGenerate: mustCompile("generate.json", generateSchema),
}

func mustCompile(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return schema
}

// validatePayload checks msg.Payload against the schema registered for its
// kind and returns an ErrInvalidPayload domain error on mismatch.
func validatePayload(msg domain.TaskMessage) error {
	schema, ok := payloadSchemas[msg.Kind]
	if !ok {
		return nil
	}
	if len(msg.Payload) == 0 {
		return domain.NewDomainError("worker.validatePayload", domain.ErrInvalidPayload, string(msg.Kind)+": missing payload")
	}
	var v interface{}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return domain.NewDomainError("worker.validatePayload", domain.ErrInvalidPayload, fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := schema.Validate(v); err != nil {
		return domain.NewDomainError("worker.validatePayload", domain.ErrInvalidPayload, fmt.Sprintf("%s: %v", msg.Kind, err))
	}
	return nil
}

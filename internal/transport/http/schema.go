package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Webhook triggers are validated against this schema before any field
// is trusted. The external workflow host is outside our control, so
// shape errors must be rejected at the boundary, not deep in a handler.
const webhookTriggerSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["start_run", "cancel_run", "pause_run", "resume_run", "job_result"]
    },
    "run_id": {"type": "string"},
    "job_id": {"type": "string"},
    "strategy_ref": {"type": "string"},
    "stage": {
      "type": "string",
      "enum": ["ingest", "train", "backtest", "promote", "execute", "monitor"]
    },
    "status": {
      "type": "string",
      "enum": ["completed", "failed", "cancelled", "running"]
    },
    "error": {"type": "string"},
    "config": {"type": "object"},
    "results": {"type": "object"}
  }
}`

const stageRequestSchema = `{
  "type": "object",
  "properties": {
    "run_id": {"type": "string"},
    "strategy_ref": {"type": "string"},
    "config": {"type": "object"},
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["job_type"],
        "properties": {
          "job_type": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "optional": {"type": "boolean"},
          "max_retries": {"type": "integer", "minimum": 0},
          "worker_id": {"type": "string"},
          "parameters": {"type": "object"}
        }
      }
    }
  }
}`

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader([]byte(raw))); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

var (
	webhookSchema = mustCompileSchema("webhook_trigger.json", webhookTriggerSchema)
	stageSchema   = mustCompileSchema("stage_request.json", stageRequestSchema)
)

// validateJSON runs body through schema and returns the decoded document.
func validateJSON(schema *jsonschema.Schema, body []byte) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("request body must be a json object")
	}
	return obj, nil
}

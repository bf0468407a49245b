package store

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Payload schemas per job type, enforced at enqueue. A payload that fails
// validation is a permanent error; it never reaches a worker.
var payloadSchemas = map[string]string{
	JobTypeWorkflow: `{
		"type": "object",
		"required": ["run_id"],
		"properties": {
			"run_id":  {"type": "string", "minLength": 1},
			"stages":  {"type": "array", "items": {"type": "string", "minLength": 1}},
			"params":  {"type": "object"}
		}
	}`,
	JobTypeIndex: `{
		"type": "object",
		"required": ["run_id", "paper_set_hash"],
		"properties": {
			"run_id":         {"type": "string", "minLength": 1},
			"paper_set_hash": {"type": "string", "minLength": 1},
			"params":         {"type": "object"}
		}
	}`,
	JobTypeGraphRefresh: `{
		"type": "object",
		"required": ["graph_key"],
		"properties": {
			"graph_key": {"type": "string", "minLength": 1}
		}
	}`,
}

func validateJobPayload(jobType string, payload []byte) error {
	schema, ok := payloadSchemas[jobType]
	if !ok {
		return NewPermanentError(fmt.Sprintf("unknown job_type %q", jobType))
	}

	doc := strings.TrimSpace(string(payload))
	if doc == "" {
		doc = "null"
	}
	res, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewStringLoader(doc))
	if err != nil {
		return NewPermanentError(fmt.Sprintf("job_type %s: payload is not valid JSON: %v", jobType, err))
	}
	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", item.Field(), item.Description()))
	}
	return NewPermanentError(fmt.Sprintf("job_type %s: invalid payload: %s", jobType, strings.Join(msgs, "; ")))
}

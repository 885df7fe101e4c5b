package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/warekit/procflow/pkg/schema"
)

// Per-step-type configuration schemas, JSON Schema Draft 2020-12.
// Embedded as constants to avoid filesystem dependencies. The dynamic
// configuration column is a tagged union keyed on step type; each variant is
// checked here at activation rather than at execution time.
const (
	manualConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "assign_to": { "type": "string" },
    "assign_group": { "type": "string" },
    "assignees": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "instructions": { "type": "string" }
  },
  "additionalProperties": false
}`

	automaticConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["handler"],
  "properties": {
    "handler": { "type": "string", "minLength": 1 },
    "async": { "type": "boolean" },
    "params": {}
  },
  "additionalProperties": false
}`

	approvalConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["approval_type", "approvers"],
  "properties": {
    "approval_type": { "type": "string", "enum": ["individual", "group", "hierarchical"] },
    "approvers": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/approver" }
    },
    "quorum": { "type": "string", "enum": ["any", "all"] },
    "quorum_count": { "type": "integer", "minimum": 1 },
    "escalation": { "$ref": "#/$defs/approver" }
  },
  "additionalProperties": false,
  "$defs": {
    "approver": {
      "type": "object",
      "properties": {
        "approver_id": { "type": "string" },
        "role": { "type": "string" },
        "level": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

	notificationConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["recipients"],
  "properties": {
    "channel": { "type": "string" },
    "recipients": { "type": "array", "minItems": 1, "items": { "type": "string", "minLength": 1 } },
    "subject": { "type": "string" },
    "template": { "type": "string" }
  },
  "additionalProperties": false
}`

	conditionConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false
}`

	integrationConfigSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["adapter"],
  "properties": {
    "adapter": { "type": "string", "minLength": 1 },
    "async": { "type": "boolean" },
    "params": {},
    "payload_template": { "type": "string" }
  },
  "additionalProperties": false
}`
)

// configSchemas holds one compiled schema per step type.
type configSchemas struct {
	byType map[schema.StepType]*jsonschema.Schema
}

func newConfigSchemas() (*configSchemas, error) {
	sources := map[schema.StepType]string{
		schema.StepTypeManual:       manualConfigSchema,
		schema.StepTypeAutomatic:    automaticConfigSchema,
		schema.StepTypeApproval:     approvalConfigSchema,
		schema.StepTypeNotification: notificationConfigSchema,
		schema.StepTypeCondition:    conditionConfigSchema,
		schema.StepTypeIntegration:  integrationConfigSchema,
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[schema.StepType]*jsonschema.Schema, len(sources))
	for stepType, src := range sources {
		url := fmt.Sprintf("https://procflow.dev/schemas/config/%s.json", stepType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", stepType, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s config schema: %w", stepType, err)
		}
		cs, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", stepType, err)
		}
		compiled[stepType] = cs
	}

	return &configSchemas{byType: compiled}, nil
}

// validateStructural checks each step's configuration block against the
// schema for its type. Unknown step types are reported here as well.
func (v *ActivationValidator) validateStructural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(def.Steps) == 0 {
		result.AddError("/steps", schema.ErrCodeDefinition, "definition has no steps")
		return result
	}
	if def.EntityType == "" {
		result.AddError("/entity_type", schema.ErrCodeDefinition, "definition targets no entity type")
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.Code == "" {
			result.AddError(path+".code", schema.ErrCodeDefinition, "step has empty code")
			continue
		}

		cs, ok := v.configs.byType[step.Type]
		if !ok {
			result.AddError(path+".type", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q has unknown type %q", step.Code, step.Type))
			continue
		}

		doc, err := configDocument(step.Configuration)
		if err != nil {
			result.AddError(path+".configuration", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q configuration is not valid JSON: %s", step.Code, err))
			continue
		}
		if err := cs.Validate(doc); err != nil {
			result.AddError(path+".configuration", schema.ErrCodeDefinition,
				fmt.Sprintf("step %q: %s", step.Code, err))
		}
	}

	return result
}

// configDocument decodes a configuration block into a JSON value suitable for
// schema validation. An absent block validates as an empty object.
func configDocument(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
}

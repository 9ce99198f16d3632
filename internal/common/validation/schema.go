package validation

import (
	"fmt"
	"strings"

	"entitlement-delivery/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

// Schema names accepted by Validate.
const (
	SchemaTokenRequest = "token-request"
	SchemaPassEvent    = "pass-event"
)

const tokenRequestSchema = `{
  "type": "object",
  "required": ["productId", "fileKeys"],
  "additionalProperties": false,
  "properties": {
    "productId":     {"type": "string", "minLength": 1, "maxLength": 128},
    "entitlementId": {"type": "string", "maxLength": 128},
    "fileKeys": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": {"type": "string", "minLength": 1, "maxLength": 512}
    },
    "maxUses":    {"type": "integer", "minimum": 1},
    "ttlSeconds": {"type": "integer", "minimum": 1}
  }
}`

const passEventSchema = `{
  "type": "object",
  "required": ["eventId", "eventType", "principalId", "entitlementId", "occurredAt"],
  "properties": {
    "eventId":       {"type": "string", "minLength": 1},
    "eventType": {
      "type": "string",
      "enum": ["pass.activated", "pass.renewed", "pass.cancelled", "pass.reactivated", "pass.payment_failed", "pass.expired"]
    },
    "principalId":       {"type": "string", "minLength": 1},
    "entitlementId":     {"type": "string", "minLength": 1},
    "passType":          {"type": "string", "enum": ["recurring", "lifetime"]},
    "status":            {"type": "string"},
    "periodStart":       {"type": ["string", "null"], "format": "date-time"},
    "periodEnd":         {"type": ["string", "null"], "format": "date-time"},
    "cancelAtPeriodEnd": {"type": "boolean"},
    "occurredAt":        {"type": "string", "format": "date-time"}
  }
}`

var schemas = mustCompile(map[string]string{
	SchemaTokenRequest: tokenRequestSchema,
	SchemaPassEvent:    passEventSchema,
})

func mustCompile(sources map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(sources))
	for name, src := range sources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("schema %s: %v", name, err))
		}
		out[name] = s
	}
	return out
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Validate checks a raw JSON document against the named schema.
func Validate(schemaName string, document []byte) (*ValidationResult, error) {
	schema, ok := schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", schemaName)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		// not parseable as JSON at all
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{{
				Field:   "(root)",
				Message: err.Error(),
				Code:    "MALFORMED_JSON",
			}},
		}, nil
	}

	vr := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		vr.Errors = append(vr.Errors, ValidationError{
			Field:   desc.Field(),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return vr, nil
}

// Err converts an invalid result into an INVALID_REQUEST error.
func (vr *ValidationResult) Err() error {
	if vr == nil || vr.Valid {
		return nil
	}
	e := errors.NewInvalidRequestError(strings.Join(vr.GetErrorMessages(), "; "))
	return e.WithMetadata("fields", vr.Errors)
}

func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

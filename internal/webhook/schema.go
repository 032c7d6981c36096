// schema.go -- JSON Schema for inbound deliveries, compiled once at init.
package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchemaURL = "https://ledgersync.local/schemas/logicware-envelope.json"

// envelopeSchema checks the envelope plus the data fields each consumed
// event type needs. Unknown event types only need a valid envelope.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["messageId", "eventType", "data"],
  "properties": {
    "messageId": {"type": "string", "minLength": 1, "maxLength": 200},
    "correlationId": {"type": ["string", "null"]},
    "eventType": {"type": "string", "minLength": 1, "maxLength": 100},
    "sourceId": {"type": ["string", "null"]},
    "eventTimestamp": {"type": ["string", "null"]},
    "data": {"type": ["object", "null"]}
  },
  "allOf": [
    {
      "if": {"properties": {"eventType": {"enum": [
        "sales.process.completed", "separation.process.completed",
        "payment.created", "schedule.created", "proforma.created"]}}},
      "then": {"properties": {"data": {
        "type": "object",
        "required": ["correlative"],
        "properties": {"correlative": {"type": "string", "minLength": 1}}
      }}}
    },
    {
      "if": {"properties": {"eventType": {"enum": ["unit.updated", "unit.created"]}}},
      "then": {"properties": {"data": {
        "type": "object",
        "required": ["unitCode", "status"],
        "properties": {
          "unitCode": {"type": "string", "minLength": 1},
          "status": {"type": "string", "minLength": 1}
        }
      }}}
    }
  ]
}`

var compiledEnvelope = mustCompile(envelopeSchemaURL, envelopeSchema)

func mustCompile(url, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("webhook: parsing schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("webhook: adding schema: %v", err))
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("webhook: compiling schema: %v", err))
	}
	return sch
}

// errInvalidJSON is returned by validateEnvelope when body is not JSON at all.
type errInvalidJSON struct{ err error }

func (e errInvalidJSON) Error() string { return "invalid JSON: " + e.err.Error() }

// validateEnvelope parses body and checks it against the envelope schema.
// A body that is not JSON returns errInvalidJSON; a schema violation returns
// the validator's error.
func validateEnvelope(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errInvalidJSON{err}
	}
	return compiledEnvelope.Validate(inst)
}

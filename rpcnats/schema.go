package rpcnats

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/weftworks/weft/errors"
	"github.com/weftworks/weft/orchestrator"
)

// descriptorSchema validates deployment descriptors before they cross
// the wire. Both the client and the worker agent check against it, so
// a malformed partition is caught on whichever side produced it.
const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "weft deployment descriptor",
  "type": "object",
  "required": ["pipeline", "worker", "stages"],
  "properties": {
    "pipeline": {"type": "string", "minLength": 1},
    "worker": {"type": "string", "minLength": 1},
    "buffer_bytes": {"type": "integer", "minimum": 0},
    "outbound_to": {"type": "string"},
    "inbound_from": {"type": "string"},
    "link_id": {"type": "string"},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "kind"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {
            "type": "string",
            "enum": [
              "compute",
              "network_rdma",
              "network_tcp",
              "network_raw_ethernet",
              "software_parser",
              "software_deparser",
              "software_generic_nf",
              "remote_proxy"
            ]
          },
          "op_tag": {"type": "integer", "minimum": 0},
          "thread": {"type": "integer", "minimum": 0},
          "link_to": {"type": "string"},
          "vlan_tag": {"type": "integer", "minimum": 0, "maximum": 4095},
          "max_memory": {"type": "integer", "minimum": 0},
          "rate_per_sec": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(descriptorSchema)

// ValidateDescriptor checks a deployment descriptor against the wire
// schema.
func ValidateDescriptor(desc orchestrator.Descriptor) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(desc))
	if err != nil {
		return errors.WrapInvalid(err, "rpcnats", "ValidateDescriptor", "schema evaluation")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			details = append(details, issue.String())
		}
		return errors.WrapInvalid(
			fmt.Errorf("descriptor rejected: %s: %w",
				strings.Join(details, "; "), errors.ErrInvalidArgument),
			"rpcnats", "ValidateDescriptor", "schema check")
	}
	return nil
}

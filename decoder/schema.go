package decoder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"climate_monitor/telemetry"
)

// measurementSchema builds the JSON schema for the measured fields.
// node_id and the timestamp keys are resolved separately because they have
// fallbacks instead of hard requirements.
func measurementSchema(mode telemetry.Mode) string {
	required := []string{`"temperature"`, `"humidity"`}
	if mode == telemetry.ModeMulti {
		required = append(required, `"pos_x"`, `"pos_y"`)
	}
	return fmt.Sprintf(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "temperature": {"type": "number"},
    "humidity":    {"type": "number"},
    "pos_x":       {"type": "number"},
    "pos_y":       {"type": "number"}
  },
  "required": [%s]
}`, strings.Join(required, ", "))
}

func compileSchema(mode telemetry.Mode) (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(measurementSchema(mode)))
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	return schema, nil
}

// validate checks doc against the schema and folds every violation into a
// single ErrMissingField naming the offending fields.
func validate(schema *gojsonschema.Schema, doc map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrMalformedPayload, err)
	}
	if result.Valid() {
		return nil
	}

	fields := make(map[string]struct{})
	for _, re := range result.Errors() {
		field := re.Field()
		if re.Type() == "required" {
			if p, ok := re.Details()["property"].(string); ok {
				field = p
			}
		}
		fields[field] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	return fmt.Errorf("%w: %s", telemetry.ErrMissingField, strings.Join(names, ", "))
}

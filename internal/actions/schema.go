package actions

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"
)

// Action names offered to the model.
const (
	ActionRecordFields = "record_fields"
	ActionEndCall      = "end_call"
)

// FieldUpdate is the argument shape of record_fields. Its schema is reflected
// once and trimmed per call to the fields a profile enables.
type FieldUpdate struct {
	ServiceType    string `json:"service_type,omitempty" jsonschema:"description=Kind of service requested such as repair or installation"`
	PropertyType   string `json:"property_type,omitempty" jsonschema:"description=Residential or commercial and the building type if mentioned"`
	Issue          string `json:"issue,omitempty" jsonschema:"description=Short description of the problem in the caller's words"`
	StartTime      string `json:"start_time,omitempty" jsonschema:"description=When the problem started"`
	Urgent         *bool  `json:"urgent,omitempty" jsonschema:"description=True if the caller describes an emergency or active damage"`
	CallbackNumber string `json:"callback_number,omitempty" jsonschema:"description=Best number to call back as digits only"`
	CallbackWindow string `json:"callback_window,omitempty" jsonschema:"description=When the caller is available for a callback"`
	CallerName     string `json:"caller_name,omitempty" jsonschema:"description=Caller's full name"`
	CallerEmail    string `json:"caller_email,omitempty" jsonschema:"description=Caller's email address"`
	Address        string `json:"address,omitempty" jsonschema:"description=Service address"`
}

// EndCall is the argument shape of end_call.
type EndCall struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the conversation is over"`
}

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

func reflectSchema(v any) map[string]any {
	raw, err := json.Marshal(reflector.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect schema %T: %v", v, err))
	}
	var m map[string]any
	if err = json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("decode schema %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

var (
	fieldUpdateSchema = reflectSchema(&FieldUpdate{})
	endCallSchema     = reflectSchema(&EndCall{})
)

// fieldSchema returns the record_fields schema limited to fields. An empty
// list keeps every field.
func fieldSchema(fields []string) map[string]any {
	out := make(map[string]any, len(fieldUpdateSchema))
	for k, v := range fieldUpdateSchema {
		out[k] = v
	}
	if len(fields) == 0 {
		return out
	}
	props, _ := fieldUpdateSchema["properties"].(map[string]any)
	kept := make(map[string]any, len(fields))
	for name, p := range props {
		if slices.Contains(fields, name) {
			kept[name] = p
		}
	}
	out["properties"] = kept
	return out
}

// Package actions executes the structured actions a model may request during
// a call and owns the collected-data record those actions mutate.
package actions

import "maps"

// Known collected-data fields.
const (
	FieldServiceType    = "service_type"
	FieldPropertyType   = "property_type"
	FieldIssue          = "issue"
	FieldStartTime      = "start_time"
	FieldUrgent         = "urgent"
	FieldCallbackNumber = "callback_number"
	FieldCallbackWindow = "callback_window"
	FieldCallerName     = "caller_name"
	FieldCallerEmail    = "caller_email"
	FieldAddress        = "address"
)

// AllFields lists every field in prompt order.
var AllFields = []string{
	FieldServiceType, FieldPropertyType, FieldIssue, FieldStartTime, FieldUrgent,
	FieldCallbackNumber, FieldCallbackWindow, FieldCallerName, FieldCallerEmail, FieldAddress,
}

// Record maps field names to string or bool values. Unset fields are absent.
// A Record is a value: mutations go through With, which copies.
type Record struct {
	values map[string]any
}

func (r Record) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

func (r Record) Len() int { return len(r.values) }

// With returns a copy of r with updates merged in. Fields absent from updates
// keep their value; a field is never cleared.
func (r Record) With(updates map[string]any) Record {
	next := make(map[string]any, len(r.values)+len(updates))
	maps.Copy(next, r.values)
	for k, v := range updates {
		if v == nil {
			continue
		}
		next[k] = v
	}
	return Record{values: next}
}

// Map returns a copy of the set fields.
func (r Record) Map() map[string]any {
	return maps.Clone(r.values)
}

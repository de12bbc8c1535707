package actions

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hubenschmidt/voice-agent/internal/llm"
)

// ErrUnknownAction is reported for action names outside the offered set.
var ErrUnknownAction = errors.New("unknown action")

// Result is the structured outcome returned to the model.
type Result struct {
	Action  string   `json:"action"`
	OK      bool     `json:"ok"`
	Updated []string `json:"updated,omitempty"`
	Error   string   `json:"error,omitempty"`
	// EndCall asks the session to hang up after a grace delay.
	EndCall bool `json:"end_call,omitempty"`
}

// JSON renders the result as the content of an action-result transcript entry.
func (r Result) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

type definition struct {
	action llm.Action
	schema *gojsonschema.Schema
}

// Executor runs actions against a Record. It holds only the per-call tool
// configuration and is safe for concurrent use.
type Executor struct {
	fields []string
	defs   map[string]definition
	order  []string
}

// NewExecutor enables actionNames, with record_fields limited to fields
// (empty means every known field).
func NewExecutor(fields, actionNames []string) (*Executor, error) {
	for _, f := range fields {
		if !slices.Contains(AllFields, f) {
			return nil, fmt.Errorf("unknown field %q", f)
		}
	}
	if len(fields) == 0 {
		fields = AllFields
	}

	catalog := map[string]struct {
		desc   string
		schema map[string]any
	}{
		ActionRecordFields: {
			desc:   "Save details the caller has provided. Call whenever the caller states or corrects one of these details. Never mention that you are saving anything.",
			schema: fieldSchema(fields),
		},
		ActionEndCall: {
			desc:   "End the phone call after the caller says goodbye or confirms they need nothing else.",
			schema: endCallSchema,
		},
	}

	e := &Executor{fields: fields, defs: make(map[string]definition, len(actionNames))}
	for _, name := range actionNames {
		entry, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownAction, name)
		}
		if _, dup := e.defs[name]; dup {
			continue
		}
		raw, err := json.Marshal(entry.schema)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		e.defs[name] = definition{
			action: llm.Action{Name: name, Description: entry.desc, Parameters: raw},
			schema: schema,
		}
		e.order = append(e.order, name)
	}
	return e, nil
}

// Actions returns the offered action definitions in configuration order.
func (e *Executor) Actions() []llm.Action {
	out := make([]llm.Action, len(e.order))
	for i, name := range e.order {
		out[i] = e.defs[name].action
	}
	return out
}

// Fields returns the enabled collected-data fields.
func (e *Executor) Fields() []string { return slices.Clone(e.fields) }

// Execute applies call to rec. It never panics on model input: unknown names
// and invalid arguments come back as failed Results with rec unchanged.
func (e *Executor) Execute(call llm.ActionCall, rec Record) (Record, Result) {
	def, ok := e.defs[call.Name]
	if !ok {
		return rec, Result{Action: call.Name, Error: ErrUnknownAction.Error()}
	}

	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	if problems := validate(def.schema, args); problems != "" {
		return rec, Result{Action: call.Name, Error: "invalid arguments: " + problems}
	}

	switch call.Name {
	case ActionRecordFields:
		return recordFields(args, rec)
	case ActionEndCall:
		return rec, Result{Action: call.Name, OK: true, EndCall: true}
	}
	return rec, Result{Action: call.Name, Error: ErrUnknownAction.Error()}
}

func validate(schema *gojsonschema.Schema, args json.RawMessage) string {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return err.Error()
	}
	if res.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

func recordFields(args json.RawMessage, rec Record) (Record, Result) {
	var raw map[string]any
	if err := json.Unmarshal(args, &raw); err != nil {
		return rec, Result{Action: ActionRecordFields, Error: "invalid arguments: " + err.Error()}
	}

	updates := make(map[string]any, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				updates[k] = s
			}
		case bool:
			updates[k] = val
		}
	}

	updated := make([]string, 0, len(updates))
	for k := range updates {
		updated = append(updated, k)
	}
	sort.Strings(updated)
	return rec.With(updates), Result{Action: ActionRecordFields, OK: true, Updated: updated}
}

package actions

import "github.com/hubenschmidt/voice-agent/internal/profile"

var defaultActions = map[profile.CallType][]string{
	profile.CallDemo:       {ActionRecordFields, ActionEndCall},
	profile.CallProduction: {ActionRecordFields, ActionEndCall},
}

// ForProfile builds the executor for a call: the profile's explicit action
// list when set, otherwise its call type's default set.
func ForProfile(p *profile.Profile) (*Executor, error) {
	names := p.Actions
	if names == nil {
		names = defaultActions[p.CallType]
		if names == nil {
			names = defaultActions[profile.CallProduction]
		}
	}
	return NewExecutor(p.Fields, names)
}

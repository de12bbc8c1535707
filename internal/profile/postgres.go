package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore reads profiles from the business_profiles table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, number string) (*Profile, error) {
	var (
		p                                  Profile
		services, faqs, fields, actionsRaw []byte
		greetingMode, callType             string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, phone_number, business_name, industry, services, faqs, greeting,
		       greeting_mode, voice_id, call_type, fields, actions, active
		FROM business_profiles WHERE phone_number = $1`,
		NormalizeNumber(number),
	).Scan(&p.ID, &p.Number, &p.BusinessName, &p.Industry, &services, &faqs, &p.Greeting,
		&greetingMode, &p.VoiceID, &callType, &fields, &actionsRaw, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("profile query: %w", err)
	}
	p.GreetingMode = GreetingMode(greetingMode)
	p.CallType = CallType(callType)

	if err = decodeColumns(map[string]decodeTarget{
		"services": {services, &p.Services},
		"faqs":     {faqs, &p.FAQs},
		"fields":   {fields, &p.Fields},
	}); err != nil {
		return nil, err
	}
	if actionsRaw != nil {
		p.Actions = []string{}
		if err = json.Unmarshal(actionsRaw, &p.Actions); err != nil {
			return nil, fmt.Errorf("profile actions: %w", err)
		}
	}
	return check(&p)
}

// Upsert inserts or replaces the profile keyed by its number.
func (s *PostgresStore) Upsert(ctx context.Context, p Profile) error {
	services, _ := json.Marshal(nonNil(p.Services))
	faqs, _ := json.Marshal(p.FAQs)
	fields, _ := json.Marshal(nonNil(p.Fields))
	var actions []byte
	if p.Actions != nil {
		actions, _ = json.Marshal(p.Actions)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_profiles (id, phone_number, business_name, industry, services, faqs,
			greeting, greeting_mode, voice_id, call_type, fields, actions, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (phone_number) DO UPDATE SET
			business_name = EXCLUDED.business_name, industry = EXCLUDED.industry,
			services = EXCLUDED.services, faqs = EXCLUDED.faqs, greeting = EXCLUDED.greeting,
			greeting_mode = EXCLUDED.greeting_mode, voice_id = EXCLUDED.voice_id,
			call_type = EXCLUDED.call_type, fields = EXCLUDED.fields, actions = EXCLUDED.actions,
			active = EXCLUDED.active, updated_at = now()`,
		p.ID, NormalizeNumber(p.Number), p.BusinessName, p.Industry, services, faqs,
		p.Greeting, string(p.GreetingMode), p.VoiceID, string(p.CallType), fields, actions, p.Active,
	)
	if err != nil {
		return fmt.Errorf("profile upsert: %w", err)
	}
	return nil
}

type decodeTarget struct {
	raw []byte
	dst any
}

func decodeColumns(cols map[string]decodeTarget) error {
	for name, c := range cols {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package profile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore serves profiles from a YAML document loaded at startup.
type FileStore struct {
	byNumber map[string]*Profile
}

type fileDoc struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile parses path. Every profile must carry a number and a business name.
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*FileStore, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	fs := &FileStore{byNumber: make(map[string]*Profile, len(doc.Profiles))}
	for i := range doc.Profiles {
		p := doc.Profiles[i]
		if p.Number == "" || p.BusinessName == "" {
			return nil, fmt.Errorf("profile %d: number and business_name are required", i)
		}
		if p.ID == "" {
			p.ID = NormalizeNumber(p.Number)
		}
		fs.byNumber[NormalizeNumber(p.Number)] = &p
	}
	return fs, nil
}

func (fs *FileStore) Lookup(_ context.Context, number string) (*Profile, error) {
	return check(fs.byNumber[NormalizeNumber(number)])
}

// All returns every loaded profile. The seed command uses it.
func (fs *FileStore) All() []Profile {
	out := make([]Profile, 0, len(fs.byNumber))
	for _, p := range fs.byNumber {
		out = append(out, *p)
	}
	return out
}

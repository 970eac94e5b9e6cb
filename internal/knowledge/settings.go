package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings are the per-user context suggestion options, stored as
// settings.json next to the index. Pointer fields distinguish "unset" from
// an explicit false/zero so configured defaults can fill the gaps.
type Settings struct {
	ContextInjectKnowledge      *bool `json:"contextInjectKnowledge,omitempty"`
	ContextInjectMilestones     *bool `json:"contextInjectMilestones,omitempty"`
	ContextInjectKnowledgeCount *int  `json:"contextInjectKnowledgeCount,omitempty"`
	ContextInjectMilestoneCount *int  `json:"contextInjectMilestoneCount,omitempty"`
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.dir, "settings.json")
}

// LoadSettings reads settings.json; a missing file yields empty settings.
func (s *Store) LoadSettings() (*Settings, error) {
	data, err := os.ReadFile(s.settingsPath())
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return &settings, nil
}

// SaveSettings rewrites settings.json.
func (s *Store) SaveSettings(settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	tmp := s.settingsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return os.Rename(tmp, s.settingsPath())
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Prompt is one entry of the active prompt set. The set is configuration and
// stays fixed for the duration of a crawl window.
type Prompt struct {
	ID      string `json:"prompt_id"`
	Text    string `json:"text"`
	Version int    `json:"version"`
}

// LoadPrompts reads the prompt set from a JSON file. The file is a JSON
// array of {prompt_id, text, version} objects.
func LoadPrompts(path string) ([]Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var prompts []Prompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("prompts file %s is empty", path)
	}
	seen := map[string]bool{}
	for _, p := range prompts {
		if p.ID == "" {
			return nil, fmt.Errorf("prompt with empty prompt_id in %s", path)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("prompt %q has empty text", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate prompt_id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return prompts, nil
}

// Package catalog is the read side of the prompt pool. The pool itself is
// populated and validated elsewhere; this package only answers "which prompts
// are eligible for this band" and "how many are eligible in total".
package catalog

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
)

const DefaultLimit = 250

// Prompt is a single question in the pool with its selection metadata.
// ShockFactor and VulnerabilityLevel are in [0,1].
type Prompt struct {
	ID                 string  `json:"id"`
	Language           string  `json:"language"`
	Text               string  `json:"text"`
	Category           string  `json:"category"`
	Subcategory        string  `json:"subcategory"`
	Energy             string  `json:"energy"`
	Intensity          int     `json:"intensity"`
	ShockFactor        float64 `json:"shock_factor"`
	VulnerabilityLevel float64 `json:"vulnerability_level"`
	NSFW               bool    `json:"is_nsfw"`
	Active             bool    `json:"is_active"`
}

type Query struct {
	Language  string
	Range     escalation.Range
	AllowNSFW bool
	Exclude   []string
	// PreferLowShock orders the batch by ascending shock factor so that a
	// bounded batch favours gentler prompts.
	PreferLowShock bool
	Limit          int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// LoadJSON decodes a JSON array of prompts.
func LoadJSON(r io.Reader) ([]Prompt, error) {
	var prompts []Prompt
	if err := json.NewDecoder(r).Decode(&prompts); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	return prompts, nil
}

package catalog

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// Memory is an in-process prompt pool with the same filtering and ordering
// rules as the gorm store.
type Memory struct {
	mu      sync.RWMutex
	prompts []Prompt
}

func NewMemory(prompts []Prompt) *Memory {
	m := &Memory{}
	m.Replace(prompts)
	return m
}

// Replace swaps the whole pool.
func (m *Memory) Replace(prompts []Prompt) {
	cp := slices.Clone(prompts)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })

	m.mu.Lock()
	m.prompts = cp
	m.mu.Unlock()
}

func (m *Memory) Candidates(_ context.Context, q Query) ([]Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}

	var out []Prompt
	for _, p := range m.prompts {
		if !eligible(p, q.Language, q.AllowNSFW) || !q.Range.Contains(p.Intensity) || excluded[p.ID] {
			continue
		}
		out = append(out, p)
	}
	if q.PreferLowShock {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ShockFactor < out[j].ShockFactor })
	}
	if len(out) > q.limit() {
		out = out[:q.limit()]
	}
	return out, nil
}

func (m *Memory) CountEligible(_ context.Context, language string, allowNSFW bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.prompts {
		if eligible(p, language, allowNSFW) {
			n++
		}
	}
	return n, nil
}

func eligible(p Prompt, language string, allowNSFW bool) bool {
	if !p.Active || p.Language != language {
		return false
	}
	return allowNSFW || !p.NSFW
}

package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
)

func samplePool() []Prompt {
	return []Prompt{
		{ID: "c", Language: "en", Intensity: 2, Active: true, ShockFactor: 0.9},
		{ID: "a", Language: "en", Intensity: 2, Active: true, ShockFactor: 0.1},
		{ID: "b", Language: "en", Intensity: 8, Active: true, NSFW: true},
		{ID: "d", Language: "de", Intensity: 2, Active: true},
		{ID: "e", Language: "en", Intensity: 3, Active: false},
		{ID: "f", Language: "en", Intensity: 5, Active: true},
	}
}

func TestMemory_Candidates(t *testing.T) {
	m := NewMemory(samplePool())
	ctx := context.Background()

	got, err := m.Candidates(ctx, Query{Language: "en", Range: escalation.Range{Min: 1, Max: 3}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))

	got, err = m.Candidates(ctx, Query{Language: "en", Range: escalation.Range{Min: 1, Max: 10}, Exclude: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "f"}, ids(got), "nsfw prompts are filtered unless allowed")

	got, err = m.Candidates(ctx, Query{Language: "en", Range: escalation.Range{Min: 1, Max: 10}, AllowNSFW: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got, err = m.Candidates(ctx, Query{Language: "en", Range: escalation.Range{Min: 1, Max: 3}, PreferLowShock: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))
}

func TestMemory_CountEligible(t *testing.T) {
	m := NewMemory(samplePool())

	n, err := m.CountEligible(context.Background(), "en", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.CountEligible(context.Background(), "en", true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCandidateQuery_SQL(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=test dbname=test sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	q := Query{
		Language: "en",
		Range:    escalation.Range{Min: 6, Max: 9},
		Exclude:  []string{"x", "y"},
	}
	stmt := candidateQuery(db, q).Find(&[]Question{}).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, `FROM "questions"`)
	assert.Contains(t, sql, "is_active =")
	assert.Contains(t, sql, "language =")
	assert.Contains(t, sql, "intensity BETWEEN")
	assert.Contains(t, sql, "is_nsfw =")
	assert.Contains(t, sql, "id NOT IN")
	assert.Contains(t, sql, "LIMIT")
	assert.Contains(t, stmt.Vars, "x")
	assert.Contains(t, stmt.Vars, 6)

	q.AllowNSFW = true
	q.Exclude = nil
	q.PreferLowShock = true
	sql = candidateQuery(db, q).Find(&[]Question{}).Statement.SQL.String()
	assert.NotContains(t, sql, "is_nsfw")
	assert.NotContains(t, sql, "NOT IN")
	assert.True(t, strings.Index(sql, "shock_factor ASC") < strings.Index(sql, "id ASC"))
}

func TestLoadJSON(t *testing.T) {
	prompts, err := LoadJSON(strings.NewReader(`[{"id":"q1","language":"en","text":"Never have I ever flown","intensity":2,"is_active":true}]`))
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, 2, prompts[0].Intensity)
	assert.True(t, prompts[0].Active)
}

func ids(ps []Prompt) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

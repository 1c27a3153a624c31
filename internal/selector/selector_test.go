package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/nhie-backend/internal/catalog"
	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
)

type failingStore struct{}

func (failingStore) Candidates(context.Context, catalog.Query) ([]catalog.Prompt, error) {
	return nil, errors.New("db down")
}

func (failingStore) CountEligible(context.Context, string, bool) (int, error) {
	return 0, errors.New("db down")
}

func prompt(id string, intensity int) catalog.Prompt {
	return catalog.Prompt{
		ID:        id,
		Language:  "en",
		Text:      "Never have I ever done thing " + id,
		Intensity: intensity,
		Active:    true,
	}
}

func newSelector(t *testing.T, store ContentStore) *Selector {
	t.Helper()
	return New(store, Config{}, zaptest.NewLogger(t))
}

func TestSelect_AlwaysReturnsPrefixedText(t *testing.T) {
	s := newSelector(t, catalog.NewMemory(nil))

	for _, lang := range []string{"en", "en-GB", "de", "fr", "es", "xx", ""} {
		t.Run(lang, func(t *testing.T) {
			res := s.Select(context.Background(), Request{
				Range:    escalation.Range{Min: 1, Max: 3},
				Language: lang,
				Round:    1,
				Seed:     11,
			})
			l := s.Language(lang)
			assert.NotEmpty(t, res.Text)
			assert.True(t, strings.HasPrefix(res.Text, l.Prefix), "text %q lacks prefix %q", res.Text, l.Prefix)
			assert.True(t, res.FallbackUsed)
			assert.Equal(t, TierEmergency, res.Tier)
			assert.Empty(t, res.Prompt.ID)
		})
	}
}

func TestSelect_PrimaryBand(t *testing.T) {
	s := newSelector(t, catalog.NewMemory([]catalog.Prompt{prompt("a", 2), prompt("b", 3), prompt("z", 9)}))

	res := s.Select(context.Background(), Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 1, Seed: 5})
	assert.Equal(t, TierPrimary, res.Tier)
	assert.False(t, res.FallbackUsed)
	assert.Contains(t, []string{"a", "b"}, res.Prompt.ID)
}

func TestSelect_WidensBandOnce(t *testing.T) {
	s := newSelector(t, catalog.NewMemory([]catalog.Prompt{prompt("six", 6), prompt("ten", 10)}))

	res := s.Select(context.Background(), Request{
		Range:     escalation.Range{Min: 7, Max: 8},
		AllowNSFW: true,
		Language:  "en",
		Round:     3,
	})
	require.Equal(t, TierWidened, res.Tier)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "six", res.Prompt.ID)
	assert.Equal(t, escalation.Range{Min: 6, Max: 9}, res.Range)
}

func exhaustedPool(n int) ([]catalog.Prompt, []string) {
	var pool []catalog.Prompt
	var used []string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("q%02d", i)
		p := prompt(id, 7)
		p.ShockFactor = float64(i) / float64(n)
		pool = append(pool, p)
		used = append(used, id)
	}
	return pool, used
}

func TestSelect_RecyclesLateInGame(t *testing.T) {
	pool, used := exhaustedPool(10)
	s := newSelector(t, catalog.NewMemory(pool))

	var hist []history.RoundRecord
	for i, id := range used {
		hist = append(hist, history.RoundRecord{Round: i + 1, QuestionID: id})
	}

	res := s.Select(context.Background(), Request{
		Range:    escalation.Range{Min: 7, Max: 8},
		Language: "en",
		Round:    11,
		Excluded: used,
		History:  hist,
		Seed:     3,
	})
	require.Equal(t, TierRecycled, res.Tier)
	assert.True(t, res.FallbackUsed)
	assert.NotContains(t, recentIDs(hist, RecycleRecentRounds), res.Prompt.ID)
}

func TestSelect_NoRecyclingEarly(t *testing.T) {
	pool, used := exhaustedPool(10)
	s := newSelector(t, catalog.NewMemory(pool))

	res := s.Select(context.Background(), Request{
		Range:    escalation.Range{Min: 7, Max: 8},
		Language: "en",
		Round:    9,
		Excluded: used,
	})
	assert.Equal(t, TierEmergency, res.Tier)
	assert.True(t, res.FallbackUsed)
}

func TestSelect_NoRecyclingBelowUsedRatio(t *testing.T) {
	pool, used := exhaustedPool(10)
	pool = append(pool, prompt("low1", 1), prompt("low2", 1), prompt("low3", 1), prompt("low4", 1), prompt("low5", 1))
	s := newSelector(t, catalog.NewMemory(pool))

	// 10 of 15 eligible used: below the recycling ratio
	res := s.Select(context.Background(), Request{
		Range:    escalation.Range{Min: 7, Max: 8},
		Language: "en",
		Round:    12,
		Excluded: used,
	})
	assert.Equal(t, TierEmergency, res.Tier)
}

func TestSelect_StoreErrorsAreAbsorbed(t *testing.T) {
	s := newSelector(t, failingStore{})

	res := s.Select(context.Background(), Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 15})
	assert.Equal(t, TierEmergency, res.Tier)
	assert.True(t, strings.HasPrefix(res.Text, "Never have I ever"))
}

func TestSelect_DeterministicForSameSeedAndRound(t *testing.T) {
	var pool []catalog.Prompt
	for i := 0; i < 40; i++ {
		pool = append(pool, prompt(fmt.Sprintf("p%02d", i), 2))
	}
	s := newSelector(t, catalog.NewMemory(pool))
	req := Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 4, Seed: 1234}

	first := s.Select(context.Background(), req)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.Prompt.ID, s.Select(context.Background(), req).Prompt.ID)
	}
}

func TestSelect_OverrideSeed(t *testing.T) {
	var pool []catalog.Prompt
	for i := 0; i < 40; i++ {
		pool = append(pool, prompt(fmt.Sprintf("p%02d", i), 2))
	}
	seed := int64(77)
	s := New(catalog.NewMemory(pool), Config{OverrideSeed: &seed}, zaptest.NewLogger(t))

	a := s.Select(context.Background(), Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 2, Seed: 1})
	b := s.Select(context.Background(), Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 2, Seed: 999})
	assert.Equal(t, a.Prompt.ID, b.Prompt.ID)
}

func TestSelect_DropsPreviousSubcategory(t *testing.T) {
	same := prompt("same", 2)
	same.Subcategory = "exes"
	other := prompt("other", 2)
	other.Subcategory = "pets"
	s := newSelector(t, catalog.NewMemory([]catalog.Prompt{same, other}))

	for seed := int64(0); seed < 10; seed++ {
		res := s.Select(context.Background(), Request{
			Range:    escalation.Range{Min: 1, Max: 3},
			Language: "en",
			Round:    2,
			Seed:     seed,
			History:  []history.RoundRecord{{Round: 1, Subcategory: "exes"}},
		})
		assert.Equal(t, "other", res.Prompt.ID)
	}
}

func TestSelect_PrependsMissingPrefix(t *testing.T) {
	p := prompt("bare", 2)
	p.Text = "Kissed a stranger"
	s := newSelector(t, catalog.NewMemory([]catalog.Prompt{p}))

	res := s.Select(context.Background(), Request{Range: escalation.Range{Min: 1, Max: 3}, Language: "en", Round: 1})
	assert.Equal(t, "Never have I ever kissed a stranger", res.Text)
}

func TestDiversify_EarlyPhasePrefersUnseen(t *testing.T) {
	seenCat := catalog.Prompt{ID: "1", Category: "travel", Energy: "chill"}
	newCat := catalog.Prompt{ID: "2", Category: "food", Energy: "chill"}
	newBoth := catalog.Prompt{ID: "3", Category: "work", Energy: "wild"}

	hist := []history.RoundRecord{{Round: 1, Category: "travel", Energy: "chill"}}

	got := diversify([]catalog.Prompt{seenCat, newCat, newBoth}, Request{Round: 2, History: hist})
	assert.Equal(t, []catalog.Prompt{newBoth}, got)

	// never filters to zero
	got = diversify([]catalog.Prompt{seenCat}, Request{Round: 2, History: hist})
	assert.Equal(t, []catalog.Prompt{seenCat}, got)

	// past the early phase only the subcategory rule applies
	got = diversify([]catalog.Prompt{seenCat, newCat}, Request{Round: EarlyPhaseRounds + 1, History: hist})
	assert.Len(t, got, 2)
}

func TestCandidateWeight(t *testing.T) {
	prev := history.RoundRecord{Category: "travel", Subcategory: "flights", Energy: "chill"}
	repeat := catalog.Prompt{Category: "travel", Subcategory: "flights", Energy: "chill"}

	w := candidateWeight(repeat, Request{History: []history.RoundRecord{prev}})
	assert.Equal(t, minWeight, w)

	fresh := catalog.Prompt{Category: "food", Subcategory: "spicy", Energy: "wild", ShockFactor: 1, VulnerabilityLevel: 1}
	bias := escalation.Bias{EscalationMultiplier: 1.5, VulnerabilityBias: 0.5}
	w = candidateWeight(fresh, Request{Bias: bias, History: []history.RoundRecord{prev}})
	assert.InDelta(t, 1+1.5+0.5+0.5+0.3+0.3, w, 1e-9)
}

func TestRecycleWeight_FavoursLowShock(t *testing.T) {
	assert.Greater(t, recycleWeight(catalog.Prompt{ShockFactor: 0.1}), recycleWeight(catalog.Prompt{ShockFactor: 0.9}))
	assert.Equal(t, minWeight, recycleWeight(catalog.Prompt{ShockFactor: 1}))
}

func TestEnsurePrefix(t *testing.T) {
	en := DefaultLanguages()["en"]
	assert.Equal(t, "Never have I ever been late", EnsurePrefix(en, "Never have I ever been late"))
	assert.Equal(t, "never have i ever lied", EnsurePrefix(en, "never have i ever lied"))
	assert.Equal(t, "Never have I ever I lied", EnsurePrefix(en, "I lied"))
	assert.Equal(t, "Never have I ever NASA", EnsurePrefix(en, "NASA"))
	assert.Equal(t, "Never have I ever...", EnsurePrefix(en, "   "))

	de := DefaultLanguages()["de"]
	assert.Equal(t, "Ich hab noch nie gelogen", EnsurePrefix(de, "Gelogen"))
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "en", NormalizeLanguage("en-US"))
	assert.Equal(t, "de", NormalizeLanguage("de_AT"))
	assert.Equal(t, "fr", NormalizeLanguage(" fr "))
	assert.Equal(t, "", NormalizeLanguage(""))
	assert.Equal(t, "", NormalizeLanguage("not a tag!"))
}

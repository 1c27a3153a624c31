package selector

import (
	"github.com/DoyleJ11/nhie-backend/internal/catalog"
	"github.com/DoyleJ11/nhie-backend/internal/history"
)

// diversify narrows the batch toward variety. Each step only applies when it
// leaves at least one candidate.
func diversify(cands []catalog.Prompt, req Request) []catalog.Prompt {
	if len(req.History) == 0 {
		return cands
	}
	prev := req.History[len(req.History)-1]

	if prev.Subcategory != "" {
		cands = keepIfAny(cands, func(p catalog.Prompt) bool { return p.Subcategory != prev.Subcategory })
	}

	if req.Round <= EarlyPhaseRounds {
		seenCats := seen(req.History, func(r history.RoundRecord) string { return r.Category })
		if len(seenCats) < MinCategoryVariety {
			cands = keepIfAny(cands, func(p catalog.Prompt) bool { return p.Category != "" && !seenCats[p.Category] })
		}
		seenEnergy := seen(req.History, func(r history.RoundRecord) string { return r.Energy })
		if len(seenEnergy) < MinEnergyVariety {
			cands = keepIfAny(cands, func(p catalog.Prompt) bool { return p.Energy != "" && !seenEnergy[p.Energy] })
		}
	}
	return cands
}

// candidateWeight scores one candidate. The result is never below minWeight so
// every candidate stays drawable.
func candidateWeight(p catalog.Prompt, req Request) float64 {
	w := baseWeight +
		p.ShockFactor*req.Bias.EscalationMultiplier +
		p.VulnerabilityLevel*req.Bias.VulnerabilityBias

	start := max(0, len(req.History)-DiversityWindow)
	recent := req.History[start:]
	recentCats := seen(recent, func(r history.RoundRecord) string { return r.Category })
	recentSubcats := seen(recent, func(r history.RoundRecord) string { return r.Subcategory })
	recentEnergy := seen(recent, func(r history.RoundRecord) string { return r.Energy })

	if p.Category != "" && !recentCats[p.Category] {
		w += unseenCategoryBonus
	}
	if p.Subcategory != "" && !recentSubcats[p.Subcategory] {
		w += unseenSubcatBonus
	}
	if p.Energy != "" && !recentEnergy[p.Energy] {
		w += unseenEnergyBonus
	}

	if n := len(req.History); n > 0 {
		prev := req.History[n-1]
		if p.Category != "" && p.Category == prev.Category {
			w -= sameCategoryPenalty
		}
		if p.Energy != "" && p.Energy == prev.Energy {
			w -= sameEnergyPenalty
		}
		if p.Subcategory != "" && p.Subcategory == prev.Subcategory {
			w -= sameSubcatPenalty
		}
	}
	return max(w, minWeight)
}

// recycleWeight favours gentle prompts when reusing the pool.
func recycleWeight(p catalog.Prompt) float64 {
	shock := min(max(p.ShockFactor, 0), 1)
	return max(lowShockWeight*(1-shock)+minWeight, minWeight)
}

func keepIfAny(cands []catalog.Prompt, keep func(catalog.Prompt) bool) []catalog.Prompt {
	var out []catalog.Prompt
	for _, c := range cands {
		if keep(c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return cands
	}
	return out
}

func seen(recs []history.RoundRecord, field func(history.RoundRecord) string) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		if v := field(r); v != "" {
			out[v] = true
		}
	}
	return out
}

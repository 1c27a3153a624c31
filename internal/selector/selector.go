// Package selector picks the next prompt for a lobby. Selection is weighted
// and seeded: replaying the same history with the same session seed draws the
// same prompt. Select never fails; when the pool runs dry it widens the band,
// recycles old prompts, and finally falls back to built-in emergency prompts.
package selector

import (
	"context"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/catalog"
	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
)

// Product tuning values.
const (
	WidenStep = 1

	EarlyPhaseRounds   = 20
	MinCategoryVariety = 5
	MinEnergyVariety   = 3

	RecycleMinRound     = 10
	RecycleUsedRatio    = 0.7
	RecycleRecentRounds = 5

	DiversityWindow = 5

	baseWeight          = 1.0
	minWeight           = 0.05
	unseenCategoryBonus = 0.5
	unseenSubcatBonus   = 0.3
	unseenEnergyBonus   = 0.3
	sameCategoryPenalty = 0.4
	sameEnergyPenalty   = 0.3
	sameSubcatPenalty   = 0.8
	lowShockWeight      = 1.5
)

type Tier string

const (
	TierPrimary   Tier = "primary"
	TierWidened   Tier = "widened"
	TierRecycled  Tier = "recycled"
	TierEmergency Tier = "emergency"
)

type ContentStore interface {
	Candidates(ctx context.Context, q catalog.Query) ([]catalog.Prompt, error)
	CountEligible(ctx context.Context, language string, allowNSFW bool) (int, error)
}

type Config struct {
	BatchLimit int
	// OverrideSeed replaces every session seed. Debug and test use only.
	OverrideSeed *int64
	Languages    map[string]Language
}

type Selector struct {
	store  ContentStore
	cfg    Config
	logger *zap.Logger
}

func New(store ContentStore, cfg Config, logger *zap.Logger) *Selector {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = catalog.DefaultLimit
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultLanguages()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{store: store, cfg: cfg, logger: logger.Named("selector")}
}

type Request struct {
	Range     escalation.Range
	AllowNSFW bool
	Excluded  []string
	Language  string
	Round     int // the round being selected
	Seed      int64
	Bias      escalation.Bias
	History   []history.RoundRecord
}

type Result struct {
	Prompt       catalog.Prompt // zero ID for emergency prompts
	Text         string
	Language     string
	Range        escalation.Range
	Tier         Tier
	FallbackUsed bool
}

// Language resolves code to a configured language, defaulting to English.
func (s *Selector) Language(code string) Language {
	if l, ok := s.cfg.Languages[NormalizeLanguage(code)]; ok {
		return l
	}
	if l, ok := s.cfg.Languages[DefaultLanguage]; ok {
		return l
	}
	return Language{Code: DefaultLanguage}
}

func (s *Selector) Select(ctx context.Context, req Request) Result {
	lang := s.Language(req.Language)
	rng := s.rng(req.Seed, req.Round)
	log := s.logger.With(zap.Int("round", req.Round), zap.String("language", lang.Code))

	query := catalog.Query{
		Language:  lang.Code,
		Range:     req.Range,
		AllowNSFW: req.AllowNSFW,
		Exclude:   req.Excluded,
		Limit:     s.cfg.BatchLimit,
	}

	tier := TierPrimary
	cands := s.fetch(ctx, log, query)
	if len(cands) == 0 {
		tier = TierWidened
		query.Range = req.Range.Widen(WidenStep, escalation.Ceiling(req.AllowNSFW))
		cands = s.fetch(ctx, log, query)
	}

	if len(cands) > 0 {
		cands = diversify(cands, req)
		weights := make([]float64, len(cands))
		for i, c := range cands {
			weights[i] = candidateWeight(c, req)
		}
		p := cands[draw(rng, weights)]
		return s.result(lang, p, query.Range, tier)
	}

	if s.canRecycle(ctx, log, lang.Code, req) {
		query.Exclude = recentIDs(req.History, RecycleRecentRounds)
		query.PreferLowShock = true
		cands = s.fetch(ctx, log, query)
		if len(cands) > 0 {
			weights := make([]float64, len(cands))
			for i, c := range cands {
				weights[i] = recycleWeight(c)
			}
			p := cands[draw(rng, weights)]
			log.Info("recycled prompt", zap.String("question_id", p.ID))
			return s.result(lang, p, query.Range, TierRecycled)
		}
	}

	log.Warn("prompt pool exhausted, using emergency prompt",
		zap.Int("intensity_min", query.Range.Min),
		zap.Int("intensity_max", query.Range.Max),
	)
	text := lang.Prefix
	if len(lang.Emergency) > 0 {
		text = lang.Emergency[rng.IntN(len(lang.Emergency))]
	}
	return Result{
		Text:         EnsurePrefix(lang, text),
		Language:     lang.Code,
		Range:        query.Range,
		Tier:         TierEmergency,
		FallbackUsed: true,
	}
}

func (s *Selector) result(lang Language, p catalog.Prompt, r escalation.Range, tier Tier) Result {
	text := p.Text
	if strings.TrimSpace(text) == "" && len(lang.Emergency) > 0 {
		text = lang.Emergency[0]
	}
	return Result{
		Prompt:       p,
		Text:         EnsurePrefix(lang, text),
		Language:     lang.Code,
		Range:        r,
		Tier:         tier,
		FallbackUsed: tier != TierPrimary,
	}
}

func (s *Selector) fetch(ctx context.Context, log *zap.Logger, q catalog.Query) []catalog.Prompt {
	cands, err := s.store.Candidates(ctx, q)
	if err != nil {
		log.Warn("candidate query failed", zap.Error(err))
		return nil
	}
	return cands
}

func (s *Selector) canRecycle(ctx context.Context, log *zap.Logger, lang string, req Request) bool {
	if req.Round < RecycleMinRound {
		return false
	}
	total, err := s.store.CountEligible(ctx, lang, req.AllowNSFW)
	if err != nil {
		log.Warn("eligible count failed", zap.Error(err))
		return false
	}
	if total == 0 {
		return false
	}
	return float64(len(req.Excluded))/float64(total) >= RecycleUsedRatio
}

// rng derives the draw generator for one round from the session seed.
func (s *Selector) rng(seed int64, round int) *rand.Rand {
	if s.cfg.OverrideSeed != nil {
		seed = *s.cfg.OverrideSeed
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(round)))
}

// draw picks an index with probability proportional to its weight.
func draw(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	target := rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	return len(weights) - 1
}

func recentIDs(hist []history.RoundRecord, n int) []string {
	var out []string
	for _, rec := range hist[max(0, len(hist)-n):] {
		if rec.QuestionID != "" {
			out = append(out, rec.QuestionID)
		}
	}
	return out
}

package engine

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
	"github.com/DoyleJ11/nhie-backend/internal/history"
	"github.com/DoyleJ11/nhie-backend/internal/rewrite"
	"github.com/DoyleJ11/nhie-backend/internal/selector"
	"github.com/DoyleJ11/nhie-backend/internal/store"
)

type SelectionContext struct {
	Round int // the round being selected
}

// Selection is everything the next round and the lobby need from one pass of
// the escalation model and the selector.
type Selection struct {
	PromptText     string
	SourceID       string // empty for emergency prompts
	FallbackUsed   bool
	Tier           selector.Tier
	NewTone        escalation.Tone
	NewBoldness    float64
	DeEscalated    bool
	IntensityRange escalation.Range
	Intensity      int
	UsedIDs        []string
	NewHistory     history.History
}

// SelectNextItem computes the content of round sc.Round for lobby. It never
// fails and never mutates lobby.
func (e *Engine) SelectNextItem(ctx context.Context, lobby store.Lobby, sc SelectionContext) Selection {
	log := e.logger.With(zap.String("lobby_id", lobby.ID), zap.Int("round", sc.Round))

	hist := lobby.History
	seed, ok := hist.Seed()
	if !ok {
		seed = e.sessionSeed(log)
		hist = hist.WithSeed(seed)
	}

	out := escalation.Evaluate(escalation.Input{
		PreviousBoldness: lobby.Boldness,
		Round:            sc.Round,
		MaxRounds:        lobby.MaxRounds,
		AllowNSFW:        lobby.AllowNSFW,
		History:          hist.Observations(),
	})

	res := e.selector.Select(ctx, selector.Request{
		Range:     out.Range,
		AllowNSFW: lobby.AllowNSFW,
		Excluded:  lobby.UsedIDs,
		Language:  lobby.Language,
		Round:     sc.Round,
		Seed:      seed,
		Bias:      out.Bias,
		History:   hist.Rounds(),
	})

	intensity := res.Prompt.Intensity
	if res.Prompt.ID == "" {
		intensity = (res.Range.Min + res.Range.Max) / 2
	}

	used := slices.Clone(lobby.UsedIDs)
	if res.Prompt.ID != "" && !lobby.HasUsed(res.Prompt.ID) {
		used = append(used, res.Prompt.ID)
	}

	hist = hist.Append(history.RoundRecord{
		Round:       sc.Round,
		Tone:        out.Tone,
		Intensity:   intensity,
		Boldness:    out.Boldness,
		DeEscalated: out.DeEscalated,
		Category:    res.Prompt.Category,
		Subcategory: res.Prompt.Subcategory,
		Energy:      res.Prompt.Energy,
		QuestionID:  res.Prompt.ID,
	})

	log.Debug("selected next prompt",
		zap.String("tone", string(out.Tone)),
		zap.Float64("boldness", out.Boldness),
		zap.Float64("effective", out.Effective),
		zap.Bool("de_escalated", out.DeEscalated),
		zap.Bool("fallback_used", res.FallbackUsed),
		zap.String("tier", string(res.Tier)),
	)

	return Selection{
		PromptText:     res.Text,
		SourceID:       res.Prompt.ID,
		FallbackUsed:   res.FallbackUsed,
		Tier:           res.Tier,
		NewTone:        out.Tone,
		NewBoldness:    out.Boldness,
		DeEscalated:    out.DeEscalated,
		IntensityRange: res.Range,
		Intensity:      intensity,
		UsedIDs:        used,
		NewHistory:     hist,
	}
}

func (e *Engine) sessionSeed(log *zap.Logger) int64 {
	seed, err := e.newSeed()
	if err != nil {
		log.Warn("seed source failed, using clock", zap.Error(err))
		return e.now().UnixNano()
	}
	return seed
}

// rewriteRound rephrases the prompt of a freshly opened round. It runs outside
// any transaction and stores the new text only while the round is still
// active; round is updated in place when that happens.
func (e *Engine) rewriteRound(ctx context.Context, lobby store.Lobby, round *store.Round) {
	if e.rewriter == nil {
		return
	}
	log := e.logger.With(zap.String("lobby_id", lobby.ID), zap.String("round_id", round.ID))

	text := e.rewriteText(ctx, log, lobby, round.Number, round.Tone, round.Prompt)
	if text == round.Prompt {
		return
	}
	var stored bool
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stored, err = tx.SetRoundPrompt(ctx, round.ID, text)
		return err
	})
	if err != nil {
		log.Warn("store rewritten prompt failed, keeping original", zap.Error(err))
		return
	}
	if !stored {
		log.Debug("round closed before rewrite landed")
		return
	}
	round.Prompt = text
}

// rewriteText asks the rewriter for a rephrasing and keeps the original text
// on any failure.
func (e *Engine) rewriteText(ctx context.Context, log *zap.Logger, lobby store.Lobby, round int, tone escalation.Tone, text string) string {
	if e.rewriter == nil {
		return text
	}
	lang := e.selector.Language(lobby.Language)

	ctx, cancel := context.WithTimeout(ctx, e.rewriteTimeout)
	defer cancel()

	out, err := e.rewriter.Rewrite(ctx, text, rewrite.Summary{
		Language:  lang.Code,
		Prefix:    lang.Prefix,
		Round:     round,
		MaxRounds: lobby.MaxRounds,
		Tone:      tone,
	})
	if err != nil {
		log.Warn("rewrite failed, keeping original", zap.Error(err))
		return text
	}
	if strings.TrimSpace(out) == "" {
		return text
	}
	return selector.EnsurePrefix(lang, out)
}

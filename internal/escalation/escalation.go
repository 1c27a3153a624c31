// Package escalation computes how bold the next prompt should be from the
// outcome of previous rounds. Everything here is pure: the same input always
// yields the same output and out-of-range numbers are clamped, never rejected.
package escalation

import "math"

type Tone string

const (
	ToneLight    Tone = "light"
	ToneModerate Tone = "moderate"
	ToneElevated Tone = "elevated"
	ToneExtreme  Tone = "extreme"
)

// Product tuning values.
const (
	SmoothingAlpha = 0.3

	ProgressionScale = 0.25
	ProgressionCap   = 0.2

	DiscomfortThreshold = 0.75 // "no" rate above which a round counts as uncomfortable
	IntensityMidpoint   = 5
	DeEscalationPenalty = 0.15

	PreviousEffectiveWeight = 0.75
	EffectiveMax            = 1.2

	ModerateThreshold = 0.3
	ElevatedThreshold = 0.55
	ExtremeThreshold  = 0.8

	MinIntensity         = 1
	MaxIntensity         = 10
	SafeIntensityCeiling = 7

	BiasWindow = 4
)

var toneWeights = map[Tone]float64{
	ToneLight:    0.25,
	ToneModerate: 0.5,
	ToneElevated: 0.75,
	ToneExtreme:  1.0,
}

var toneRanges = map[Tone]Range{
	ToneLight:    {Min: 1, Max: 3},
	ToneModerate: {Min: 3, Max: 5},
	ToneElevated: {Min: 5, Max: 7},
	ToneExtreme:  {Min: 7, Max: 10},
}

// Weight returns the tone's contribution to the boldness delta. Unknown tones
// weigh like the lightest band.
func (t Tone) Weight() float64 {
	if w, ok := toneWeights[t]; ok {
		return w
	}
	return toneWeights[ToneLight]
}

func (t Tone) Valid() bool {
	_, ok := toneWeights[t]
	return ok
}

// Range is an inclusive intensity range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Widen grows r by step on each side, staying within [MinIntensity, ceiling].
func (r Range) Widen(step, ceiling int) Range {
	out := Range{Min: r.Min - step, Max: r.Max + step}
	if out.Min < MinIntensity {
		out.Min = MinIntensity
	}
	if out.Max > ceiling {
		out.Max = ceiling
	}
	if out.Max < out.Min {
		out.Max = out.Min
	}
	return out
}

func (r Range) Contains(intensity int) bool {
	return intensity >= r.Min && intensity <= r.Max
}

// Observation is what the model needs to know about one past round.
type Observation struct {
	Round     int
	Tone      Tone
	Intensity int
	HaveRatio *float64 // nil until the round's answers are tallied
}

// UpdateBoldness folds one round's have-ratio into the running boldness score
// using exponential smoothing. The result is always within [0,1].
func UpdateBoldness(previous, haveRatio float64, tone Tone) float64 {
	delta := clamp01(haveRatio) * tone.Weight()
	return clamp01(SmoothingAlpha*delta + (1-SmoothingAlpha)*clamp01(previous))
}

// Progression is a small bonus that grows with game progress so later rounds
// trend bolder regardless of how players answer.
func Progression(round, maxRounds int) float64 {
	if maxRounds <= 0 || round <= 0 {
		return 0
	}
	ratio := math.Min(float64(round)/float64(maxRounds), 1)
	return math.Min(ratio*ProgressionScale, ProgressionCap)
}

// DetectDeEscalation reports whether the last two rounds were both
// uncomfortable and both above the intensity midpoint. A single bad round is
// not enough.
func DetectDeEscalation(obs []Observation) bool {
	if len(obs) < 2 {
		return false
	}
	for _, o := range obs[len(obs)-2:] {
		if o.HaveRatio == nil {
			return false
		}
		noRate := 1 - clamp01(*o.HaveRatio)
		if noRate <= DiscomfortThreshold || o.Intensity <= IntensityMidpoint {
			return false
		}
	}
	return true
}

// ApplyDeEscalation subtracts the fixed penalty, flooring at zero.
func ApplyDeEscalation(boldness float64) float64 {
	return clamp01(clamp01(boldness) - DeEscalationPenalty)
}

// EffectiveScore blends the previous round's effective score with the fresh
// one and bounds it to [0, EffectiveMax].
func EffectiveScore(previous, fresh float64) float64 {
	blended := PreviousEffectiveWeight*sanitize(previous) + (1-PreviousEffectiveWeight)*sanitize(fresh)
	return clamp(blended, 0, EffectiveMax)
}

// ToneFor maps an effective score to a tone band. The extreme band is only
// reachable when NSFW content is allowed.
func ToneFor(score float64, allowNSFW bool) Tone {
	score = sanitize(score)
	switch {
	case score >= ExtremeThreshold:
		if allowNSFW {
			return ToneExtreme
		}
		return ToneElevated
	case score >= ElevatedThreshold:
		return ToneElevated
	case score >= ModerateThreshold:
		return ToneModerate
	default:
		return ToneLight
	}
}

// IntensityRange returns the intensity sub-range for tone, capped at
// SafeIntensityCeiling when NSFW content is not allowed.
func IntensityRange(tone Tone, allowNSFW bool) Range {
	r, ok := toneRanges[tone]
	if !ok {
		r = toneRanges[ToneLight]
	}
	if !allowNSFW && r.Max > SafeIntensityCeiling {
		r.Max = SafeIntensityCeiling
	}
	return r
}

// Ceiling is the highest intensity a lobby may ever be shown.
func Ceiling(allowNSFW bool) int {
	if allowNSFW {
		return MaxIntensity
	}
	return SafeIntensityCeiling
}

// Bias holds the selector weighting knobs derived from the recent trend.
type Bias struct {
	EscalationMultiplier float64 `json:"escalation_multiplier"`
	VulnerabilityBias    float64 `json:"vulnerability_bias"`
}

var neutralBias = Bias{EscalationMultiplier: 1, VulnerabilityBias: 0.5}

// SelectionBias looks at the have-ratios of the last BiasWindow tallied rounds.
// An open group with a rising trend gets pushed harder; a closing group gets
// gentler prompts. It does not influence tone banding.
func SelectionBias(obs []Observation) Bias {
	ratios := make([]float64, 0, BiasWindow)
	for i := len(obs) - 1; i >= 0 && len(ratios) < BiasWindow; i-- {
		if obs[i].HaveRatio != nil {
			ratios = append(ratios, clamp01(*obs[i].HaveRatio))
		}
	}
	if len(ratios) == 0 {
		return neutralBias
	}

	var sum float64
	for _, r := range ratios {
		sum += r
	}
	avg := sum / float64(len(ratios))
	// ratios is newest first
	trend := ratios[0] - ratios[len(ratios)-1]

	return Bias{
		EscalationMultiplier: clamp(1+(avg-0.5)+trend*0.5, 0.5, 1.5),
		VulnerabilityBias:    clamp01(avg + trend*0.5),
	}
}

// Input describes the lobby at the moment the next round is selected.
type Input struct {
	PreviousBoldness float64
	Round            int // the round being selected
	MaxRounds        int
	AllowNSFW        bool
	History          []Observation
}

type Outcome struct {
	Boldness    float64
	Effective   float64
	Tone        Tone
	Range       Range
	DeEscalated bool
	Bias        Bias
}

// Evaluate runs the full model for one selection.
func Evaluate(in Input) Outcome {
	previous := clamp01(in.PreviousBoldness)
	boldness := previous

	if n := len(in.History); n > 0 {
		last := in.History[n-1]
		if last.HaveRatio != nil {
			boldness = UpdateBoldness(previous, *last.HaveRatio, last.Tone)
		}
	}

	deEscalated := DetectDeEscalation(in.History)
	if deEscalated {
		boldness = ApplyDeEscalation(boldness)
	}

	prevEffective := previous + Progression(in.Round-1, in.MaxRounds)
	fresh := boldness + Progression(in.Round, in.MaxRounds)
	effective := EffectiveScore(prevEffective, fresh)
	tone := ToneFor(effective, in.AllowNSFW)

	return Outcome{
		Boldness:    boldness,
		Effective:   effective,
		Tone:        tone,
		Range:       IntensityRange(tone, in.AllowNSFW),
		DeEscalated: deEscalated,
		Bias:        SelectionBias(in.History),
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	v = sanitize(v)
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

// Package history models a lobby's escalation history: an ordered, append-only
// list of per-round records plus at most one meta record carrying the session
// seed. It is stored as a single JSON array on the lobby row.
package history

import (
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
)

const (
	TypeMeta  = "meta"
	TypeRound = "round"
)

type Record interface{ isHistoryRecord() }

// MetaRecord is written once, the first time selection runs for a lobby.
type MetaRecord struct {
	SessionSeed int64 `json:"session_seed"`
}

func (MetaRecord) isHistoryRecord() {}

type RoundRecord struct {
	Round       int             `json:"round"`
	Tone        escalation.Tone `json:"tone"`
	Intensity   int             `json:"intensity"`
	Boldness    float64         `json:"boldness"`
	DeEscalated bool            `json:"de_escalated"`
	HaveRatio   *float64        `json:"have_ratio,omitempty"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory"`
	Energy      string          `json:"energy"`
	QuestionID  string          `json:"question_id"`
}

func (RoundRecord) isHistoryRecord() {}

// History is treated as a value: every mutating method returns a new slice and
// leaves the receiver untouched.
type History []Record

// Seed returns the session seed from the meta record, if one exists.
func (h History) Seed() (int64, bool) {
	for _, r := range h {
		if m, ok := r.(MetaRecord); ok {
			return m.SessionSeed, true
		}
	}
	return 0, false
}

// WithSeed returns h with a meta record for seed. An existing meta record is
// never replaced.
func (h History) WithSeed(seed int64) History {
	if _, ok := h.Seed(); ok {
		return h
	}
	out := make(History, 0, len(h)+1)
	out = append(out, MetaRecord{SessionSeed: seed})
	return append(out, h...)
}

// Rounds returns the round records in order.
func (h History) Rounds() []RoundRecord {
	out := make([]RoundRecord, 0, len(h))
	for _, r := range h {
		if rr, ok := r.(RoundRecord); ok {
			out = append(out, rr)
		}
	}
	return out
}

func (h History) LastRound() (RoundRecord, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if rr, ok := h[i].(RoundRecord); ok {
			return rr, true
		}
	}
	return RoundRecord{}, false
}

// Append adds rec. A record already present for the same round number is
// replaced in place, so there is never more than one record per round.
func (h History) Append(rec RoundRecord) History {
	out := h.clone()
	for i, r := range out {
		if rr, ok := r.(RoundRecord); ok && rr.Round == rec.Round {
			out[i] = rec
			return out
		}
	}
	return append(out, rec)
}

// AmendHaveRatio sets have_ratio on the most recent round record. It is the
// only field that changes after a record is written.
func (h History) AmendHaveRatio(ratio float64) History {
	out := h.clone()
	for i := len(out) - 1; i >= 0; i-- {
		if rr, ok := out[i].(RoundRecord); ok {
			r := ratio
			rr.HaveRatio = &r
			out[i] = rr
			return out
		}
	}
	return out
}

// Observations converts the round records into escalation model input.
func (h History) Observations() []escalation.Observation {
	rounds := h.Rounds()
	out := make([]escalation.Observation, 0, len(rounds))
	for _, rr := range rounds {
		out = append(out, escalation.Observation{
			Round:     rr.Round,
			Tone:      rr.Tone,
			Intensity: rr.Intensity,
			HaveRatio: rr.HaveRatio,
		})
	}
	return out
}

func (h History) clone() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}

type metaWire struct {
	Type string `json:"type"`
	MetaRecord
}

type roundWire struct {
	Type string `json:"type"`
	RoundRecord
}

func (h History) MarshalJSON() ([]byte, error) {
	wire := make([]any, 0, len(h))
	for _, r := range h {
		switch rec := r.(type) {
		case MetaRecord:
			wire = append(wire, metaWire{Type: TypeMeta, MetaRecord: rec})
		case RoundRecord:
			wire = append(wire, roundWire{Type: TypeRound, RoundRecord: rec})
		default:
			return nil, fmt.Errorf("history: unknown record %T", r)
		}
	}
	return json.Marshal(wire)
}

func (h *History) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	out := make(History, 0, len(raw))
	for i, msg := range raw {
		var tag struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &tag); err != nil {
			return fmt.Errorf("history: record %d: %w", i, err)
		}
		switch tag.Type {
		case TypeMeta:
			var m metaWire
			if err := json.Unmarshal(msg, &m); err != nil {
				return fmt.Errorf("history: meta record %d: %w", i, err)
			}
			out = append(out, m.MetaRecord)
		case TypeRound:
			var r roundWire
			if err := json.Unmarshal(msg, &r); err != nil {
				return fmt.Errorf("history: round record %d: %w", i, err)
			}
			out = append(out, r.RoundRecord)
		default:
			return fmt.Errorf("history: record %d: unknown type %q", i, tag.Type)
		}
	}
	*h = out
	return nil
}

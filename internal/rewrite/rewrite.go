// Package rewrite rephrases a chosen prompt through a chat completion model.
// It is best-effort: any error sends the caller back to the original text.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/DoyleJ11/nhie-backend/internal/escalation"
)

var (
	ErrEmpty    = errors.New("rewrite: empty output")
	ErrFiltered = errors.New("rewrite: rejected by content filter")
	ErrBlocked  = errors.New("rewrite: output hit blocklist")
	ErrTooLong  = errors.New("rewrite: output too long")
)

const maxGrowth = 2

// DefaultBlocklist holds terms a rewritten prompt may never introduce.
var DefaultBlocklist = []string{"underage", "minor", "child", "suicide", "self-harm", "rape"}

// Summary is the game state handed to the model alongside the prompt.
type Summary struct {
	Language  string
	Prefix    string
	Round     int
	MaxRounds int
	Tone      escalation.Tone
}

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Blocklist []string
}

type OpenAI struct {
	client openai.Client
	model  string
	filter Filter
}

func NewOpenAI(cfg Config, opts ...option.RequestOption) *OpenAI {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	blocklist := cfg.Blocklist
	if blocklist == nil {
		blocklist = DefaultBlocklist
	}
	return &OpenAI{
		client: openai.NewClient(append(base, opts...)...),
		model:  cfg.Model,
		filter: NewFilter(blocklist),
	}
}

func (o *OpenAI) Rewrite(ctx context.Context, text string, s Summary) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(s)),
			openai.UserMessage(text),
		},
		Temperature:         openai.Float(0.7),
		MaxCompletionTokens: openai.Int(120),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmpty
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", ErrFiltered
	}
	out := strings.Trim(strings.TrimSpace(choice.Message.Content), `"`)
	if err := o.filter.Check(text, out); err != nil {
		return "", err
	}
	return out, nil
}

func systemPrompt(s Summary) string {
	var b strings.Builder
	b.WriteString("You rephrase prompts for a party drinking game. ")
	fmt.Fprintf(&b, "Reply with one sentence in language %q that starts with %q. ", s.Language, s.Prefix)
	fmt.Fprintf(&b, "Keep the meaning and the %s tone. ", s.Tone)
	fmt.Fprintf(&b, "This is round %d of %d. ", s.Round, s.MaxRounds)
	b.WriteString("Never make the prompt more explicit than the original. Reply with the prompt only.")
	return b.String()
}

// Filter is the safety check applied to every rewritten prompt.
type Filter struct {
	blocklist []string
}

func NewFilter(blocklist []string) Filter {
	terms := make([]string, 0, len(blocklist))
	for _, t := range blocklist {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	return Filter{blocklist: terms}
}

func (f Filter) Check(original, candidate string) error {
	if strings.TrimSpace(candidate) == "" {
		return ErrEmpty
	}
	if utf8.RuneCountInString(candidate) > maxGrowth*utf8.RuneCountInString(original) {
		return ErrTooLong
	}
	lower := strings.ToLower(candidate)
	origLower := strings.ToLower(original)
	for _, term := range f.blocklist {
		// only terms the rewrite introduced count
		if strings.Contains(lower, term) && !strings.Contains(origLower, term) {
			return fmt.Errorf("%w: %q", ErrBlocked, term)
		}
	}
	return nil
}

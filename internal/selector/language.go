package selector

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"
)

// Language is the per-language configuration: the grammatical prefix every
// prompt must start with and the emergency prompts used when the pool has
// nothing left.
type Language struct {
	Code      string
	Prefix    string
	Emergency []string
}

const DefaultLanguage = "en"

// DefaultLanguages returns a fresh copy of the built-in language table.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"en": {
			Code:   "en",
			Prefix: "Never have I ever",
			Emergency: []string{
				"Never have I ever pretended to know a song I had never heard.",
				"Never have I ever laughed at a joke I did not understand.",
				"Never have I ever eaten dessert before dinner.",
				"Never have I ever sent a message to the wrong person.",
				"Never have I ever fallen asleep in a cinema.",
			},
		},
		"de": {
			Code:   "de",
			Prefix: "Ich hab noch nie",
			Emergency: []string{
				"Ich hab noch nie so getan, als würde ich ein Lied kennen.",
				"Ich hab noch nie über einen Witz gelacht, den ich nicht verstanden habe.",
				"Ich hab noch nie den Nachtisch vor dem Hauptgang gegessen.",
				"Ich hab noch nie eine Nachricht an die falsche Person geschickt.",
			},
		},
		"fr": {
			Code:   "fr",
			Prefix: "Je n'ai jamais",
			Emergency: []string{
				"Je n'ai jamais fait semblant de connaître une chanson.",
				"Je n'ai jamais ri à une blague que je n'avais pas comprise.",
				"Je n'ai jamais mangé le dessert avant le plat principal.",
				"Je n'ai jamais envoyé un message à la mauvaise personne.",
			},
		},
		"es": {
			Code:   "es",
			Prefix: "Yo nunca",
			Emergency: []string{
				"Yo nunca he fingido conocer una canción.",
				"Yo nunca me he reído de un chiste que no entendí.",
				"Yo nunca he comido el postre antes de la cena.",
				"Yo nunca he enviado un mensaje a la persona equivocada.",
			},
		},
	}
}

// NormalizeLanguage reduces a BCP 47 tag ("en-US", "de_AT") to its base
// language code. Unparseable input returns "".
func NormalizeLanguage(code string) string {
	code = strings.ReplaceAll(strings.TrimSpace(code), "_", "-")
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}

// EnsurePrefix returns text starting with the language prefix, prepending it
// when missing.
func EnsurePrefix(lang Language, text string) string {
	text = strings.TrimSpace(text)
	if lang.Prefix == "" {
		return text
	}
	if strings.HasPrefix(strings.ToLower(text), strings.ToLower(lang.Prefix)) {
		return text
	}
	if text == "" {
		return lang.Prefix + "..."
	}
	return lang.Prefix + " " + lowerFirst(text)
}

// lowerFirst lowercases the first rune unless the first word looks like a
// pronoun "I" or an acronym.
func lowerFirst(s string) string {
	word, _, _ := strings.Cut(s, " ")
	if word == "I" || (utf8.RuneCountInString(word) > 1 && strings.ToUpper(word) == word) {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

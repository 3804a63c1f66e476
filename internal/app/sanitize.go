package app

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-andiamo/splitter"

	"tournament-engine/internal/domain"
)

// Limits are the provider ceilings a poll must fit in.
type Limits struct {
	PromptMax  int `yaml:"prompt_max"`
	OptionMax  int `yaml:"option_max"`
	MaxOptions int `yaml:"max_options"`
}

// DefaultLimits match the Telegram quiz poll ceilings used in production.
func DefaultLimits() Limits {
	return Limits{PromptMax: 300, OptionMax: 100, MaxOptions: domain.MaxOptions}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.PromptMax <= 0 {
		l.PromptMax = def.PromptMax
	}
	if l.OptionMax <= 0 {
		l.OptionMax = def.OptionMax
	}
	if l.MaxOptions <= 0 || l.MaxOptions > domain.MaxOptions {
		l.MaxOptions = def.MaxOptions
	}
	return l
}

// Poll is a provider-safe quiz payload.
type Poll struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	Explanation  string   `json:"explanation,omitempty"`
}

const ellipsis = "..."

// header shorter than this leaves too little room for the prompt itself
const minPromptBudget = 40

var (
	markdownControl = regexp.MustCompile("[`*_~#|<>\\[\\]{}\\\\]")
	whitespaceRun   = regexp.MustCompile(`\s+`)
	percentArtifact = regexp.MustCompile(`^%-?\d+(?:[.,]\d+)?%\s*`)
)

// SanitizeText strips invisible and control runes, markdown control characters and
// collapses whitespace.
func SanitizeText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsSpace(r):
			return ' '
		case unicode.Is(unicode.Cf, r), unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	s = markdownControl.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most max runes, ending in "..." when something was dropped.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= len(ellipsis) {
		return string(runes[:max])
	}
	return strings.TrimRightFunc(string(runes[:max-len(ellipsis)]), unicode.IsSpace) + ellipsis
}

// Header is the line shown above every tournament poll.
func Header(eventName string, position, total int) string {
	return fmt.Sprintf("🏆 %s | Pregunta %d/%d\n\n", SanitizeText(eventName), position+1, total)
}

// BuildPoll sanitizes q into a poll that fits lim, or fails with ErrUnsendable.
func BuildPoll(q domain.Question, header string, lim Limits) (Poll, error) {
	lim = lim.withDefaults()

	prompt := SanitizeText(q.Prompt)
	if prompt == "" {
		return Poll{}, fmt.Errorf("%w: question %s: %v", domain.ErrUnsendable, q.ID, domain.ErrEmptyPrompt)
	}

	raw := q.Options
	if len(raw) > lim.MaxOptions {
		raw = raw[:lim.MaxOptions]
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(raw) {
		return Poll{}, fmt.Errorf("%w: question %s: %v", domain.ErrUnsendable, q.ID, domain.ErrCorrectIndexOutOfRange)
	}
	if len(raw) < domain.MinOptions {
		return Poll{}, fmt.Errorf("%w: question %s: %v", domain.ErrUnsendable, q.ID, domain.ErrNotEnoughOptions)
	}

	options := make([]string, len(raw))
	for i, opt := range raw {
		clean := Truncate(SanitizeText(percentArtifact.ReplaceAllString(opt, "")), lim.OptionMax)
		if clean == "" {
			return Poll{}, fmt.Errorf("%w: question %s: option %d is empty after sanitization", domain.ErrUnsendable, q.ID, i)
		}
		options[i] = clean
	}

	budget := lim.PromptMax - utf8.RuneCountInString(header)
	if budget < minPromptBudget {
		header = ""
		budget = lim.PromptMax
	}
	return Poll{
		Question:     header + Truncate(prompt, budget),
		Options:      options,
		CorrectIndex: q.CorrectIndex,
	}, nil
}

// FindSendable pulls candidates from next until one builds into a valid poll, giving up
// after maxAttempts candidates or when next runs dry.
func FindSendable(next func() (domain.Question, bool), header string, lim Limits, maxAttempts int) (domain.Question, Poll, int, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		q, ok := next()
		if !ok {
			break
		}
		attempts++
		poll, err := BuildPoll(q, header, lim)
		if err == nil {
			return q, poll, attempts, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = domain.ErrUnsendable
	}
	return domain.Question{}, Poll{}, attempts, fmt.Errorf("no sendable question after %d attempts: %w", attempts, lastErr)
}

// ParseOptions decodes an option list stored either as a JSON array or as a
// "{a,b,\"c, d\"}" array literal. More than MaxOptions entries are capped.
func ParseOptions(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.ErrNotEnoughOptions
	}

	var out []string
	switch {
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		literal, err := splitter.NewSplitter(',', splitter.DoubleQuotes)
		if err != nil {
			return nil, err
		}
		parts, err := literal.Split(raw[1 : len(raw)-1])
		if err != nil {
			return nil, fmt.Errorf("split options: %w", err)
		}
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if len(p) >= 2 && strings.HasPrefix(p, `"`) && strings.HasSuffix(p, `"`) {
				p = strings.ReplaceAll(p[1:len(p)-1], `\"`, `"`)
			}
			out = append(out, p)
		}
	default:
		out = strings.Split(raw, "\n")
	}

	// empty entries are kept so the stored correct index still lines up
	cleaned := make([]string, 0, len(out))
	for _, o := range out {
		cleaned = append(cleaned, strings.TrimSpace(percentArtifact.ReplaceAllString(strings.TrimSpace(o), "")))
	}
	if len(cleaned) > domain.MaxOptions {
		cleaned = cleaned[:domain.MaxOptions]
	}
	if len(cleaned) < domain.MinOptions {
		return cleaned, domain.ErrNotEnoughOptions
	}
	return cleaned, nil
}

// Package safety screens generation prompts before any paid resource is
// spent. The screen is lexical and pattern based; it is deterministic for a
// given policy and holds no per-request state.
package safety

import (
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicy []byte

var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiimagebot_safety_rejections_total",
	Help: "Prompts rejected by the safety filter, by rule.",
}, []string{"rule"})

type Rule string

const (
	RuleNone       Rule = ""
	RuleEmpty      Rule = "empty"
	RuleTooShort   Rule = "too_short"
	RuleTooLong    Rule = "too_long"
	RuleBannedTerm Rule = "banned_term"
	RuleEmail      Rule = "email"
	RuleURL        Rule = "url"
	RulePhone      Rule = "phone"
	RuleRepetition Rule = "repetition"
)

// IsLength reports whether the rule concerns prompt size rather than content.
func (r Rule) IsLength() bool {
	return r == RuleEmpty || r == RuleTooShort || r == RuleTooLong
}

// Verdict is the diagnostic form of a screening decision. It is meant for
// logs and metrics only.
type Verdict struct {
	Safe     bool
	Rule     Rule
	Category string
	Detail   string
}

type Options struct {
	MinLength int
	MaxLength int
	// Policy overrides the embedded vocabulary when non-empty.
	Policy []byte
}

type policyFile struct {
	Categories map[string][]string `yaml:"categories"`
	Patterns   []struct {
		Name  string `yaml:"name"`
		Regex string `yaml:"regex"`
	} `yaml:"patterns"`
	RepetitionRun int `yaml:"repetition_run"`
}

type pattern struct {
	rule Rule
	re   *regexp.Regexp
}

type phrase struct {
	tokens   []string
	category string
}

// Filter is immutable after New and safe for concurrent use.
type Filter struct {
	minLength     int
	maxLength     int
	terms         map[string]string
	phrases       []phrase
	patterns      []pattern
	repetitionRun int
	log           *slog.Logger
}

func New(opts Options, log *slog.Logger) (*Filter, error) {
	if opts.MinLength <= 0 {
		opts.MinLength = 3
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 1000
	}
	if opts.MinLength > opts.MaxLength {
		return nil, fmt.Errorf("min prompt length %d exceeds max %d", opts.MinLength, opts.MaxLength)
	}
	raw := opts.Policy
	if len(raw) == 0 {
		raw = defaultPolicy
	}
	if log == nil {
		log = slog.Default()
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse safety policy: %w", err)
	}

	f := &Filter{
		minLength:     opts.MinLength,
		maxLength:     opts.MaxLength,
		terms:         make(map[string]string),
		repetitionRun: pf.RepetitionRun,
		log:           log,
	}
	if f.repetitionRun <= 1 {
		f.repetitionRun = 11
	}

	for category, entries := range pf.Categories {
		for _, entry := range entries {
			tokens := tokenize(entry)
			switch len(tokens) {
			case 0:
				continue
			case 1:
				f.terms[tokens[0]] = category
			default:
				f.phrases = append(f.phrases, phrase{tokens: tokens, category: category})
			}
		}
	}

	for _, p := range pf.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %s: %w", p.Name, err)
		}
		f.patterns = append(f.patterns, pattern{rule: Rule(p.Name), re: re})
	}

	return f, nil
}

// IsSafe reports whether prompt may be forwarded to a generator. The rule
// that rejected it goes to the log and metrics only.
func (f *Filter) IsSafe(prompt string) bool {
	return f.Screen(prompt).Safe
}

// Screen is Check plus the rejection log line and metric.
func (f *Filter) Screen(prompt string) Verdict {
	v := f.Check(prompt)
	if !v.Safe {
		rejectionsTotal.WithLabelValues(string(v.Rule)).Inc()
		f.log.Warn("prompt rejected", "rule", v.Rule, "category", v.Category, "detail", v.Detail)
	}
	return v
}

// Check runs every screen in order and returns the first failure.
func (f *Filter) Check(prompt string) Verdict {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" || !utf8.ValidString(trimmed) {
		return Verdict{Rule: RuleEmpty}
	}

	n := utf8.RuneCountInString(trimmed)
	if n < f.minLength {
		return Verdict{Rule: RuleTooShort, Detail: fmt.Sprintf("%d < %d", n, f.minLength)}
	}
	if n > f.maxLength {
		return Verdict{Rule: RuleTooLong, Detail: fmt.Sprintf("%d > %d", n, f.maxLength)}
	}

	if v, ok := f.checkLexical(trimmed); ok {
		return v
	}

	for _, p := range f.patterns {
		if p.re.MatchString(prompt) {
			return Verdict{Rule: p.rule}
		}
	}

	if r, ok := longestRun(prompt, f.repetitionRun); ok {
		return Verdict{Rule: RuleRepetition, Detail: fmt.Sprintf("%q", r)}
	}

	return Verdict{Safe: true}
}

func (f *Filter) checkLexical(text string) (Verdict, bool) {
	tokens := tokenize(text)
	for i, tok := range tokens {
		if category, ok := f.terms[tok]; ok {
			return Verdict{Rule: RuleBannedTerm, Category: category, Detail: tok}, true
		}
		for _, p := range f.phrases {
			if hasPrefix(tokens[i:], p.tokens) {
				return Verdict{Rule: RuleBannedTerm, Category: p.category, Detail: strings.Join(p.tokens, " ")}, true
			}
		}
	}
	return Verdict{}, false
}

// tokenize splits on anything that is not a letter or digit after NFKC
// normalisation and case folding.
func tokenize(s string) []string {
	s = cases.Fold().String(norm.NFKC.String(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r) && r != '_'
	})
}

func hasPrefix(tokens, want []string) bool {
	if len(tokens) < len(want) {
		return false
	}
	for i := range want {
		if tokens[i] != want[i] {
			return false
		}
	}
	return true
}

// longestRun reports the first rune repeated at least limit times in a row.
// Line breaks reset the run.
func longestRun(s string, limit int) (rune, bool) {
	var prev rune
	run := 0
	for _, r := range s {
		if r == '\n' {
			run = 0
			continue
		}
		if run > 0 && r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run >= limit {
			return r, true
		}
	}
	return 0, false
}

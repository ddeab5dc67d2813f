// Package voice parses voice expressions and maps them to the language code
// the synthesizer expects.
package voice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrEmptyVoice indicates a voice expression with no voice in it.
	ErrEmptyVoice = errors.New("voice cannot be empty")
	// ErrInvalidVoice indicates a malformed voice name or weight.
	ErrInvalidVoice = errors.New("invalid voice expression")
	// ErrUnknownLanguage indicates a language code the backend does not serve.
	ErrUnknownLanguage = errors.New("unknown language code")
)

// Language codes served by the backend, keyed by the single letter that
// prefixes voice names (af_heart is American English, bf_emma British).
var languages = map[string]string{
	"a": "American English",
	"b": "British English",
	"e": "Spanish",
	"f": "French",
	"h": "Hindi",
	"i": "Italian",
	"j": "Japanese",
	"p": "Brazilian Portuguese",
	"z": "Mandarin Chinese",
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Component is one voice of a blend and its weight.
type Component struct {
	Name   string
	Weight float64
}

// Formula is a parsed voice expression. Weights are normalized to sum to 1.
type Formula []Component

// String renders the formula in the weighted form accepted by ParseFormula.
func (f Formula) String() string {
	if len(f) == 1 {
		return f[0].Name
	}

	parts := make([]string, 0, len(f))
	for _, c := range f {
		parts = append(parts, strconv.FormatFloat(c.Weight, 'g', 4, 64)+"*"+c.Name)
	}

	return strings.Join(parts, " + ")
}

// Primary returns the first voice named in the expression.
func (f Formula) Primary() string {
	if len(f) == 0 {
		return ""
	}

	return f[0].Name
}

// ParseFormula accepts a single voice ("af_heart"), an equal blend
// ("af_bella+af_sky") or a weighted blend ("0.3*af_bella + 0.7*am_adam").
func ParseFormula(expr string) (Formula, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, ErrEmptyVoice
	}

	terms := strings.Split(expr, "+")
	formula := make(Formula, 0, len(terms))

	var total float64

	for _, term := range terms {
		component, err := parseTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, fmt.Errorf("%w in %q", err, expr)
		}

		total += component.Weight
		formula = append(formula, component)
	}

	for i := range formula {
		formula[i].Weight /= total
	}

	return formula, nil
}

func parseTerm(term string) (Component, error) {
	if term == "" {
		return Component{}, fmt.Errorf("%w: empty voice name", ErrInvalidVoice)
	}

	weight := 1.0
	name := term

	if rawWeight, rest, found := strings.Cut(term, "*"); found {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(rawWeight), 64)
		if err != nil || parsed <= 0 {
			return Component{}, fmt.Errorf("%w: weight %q must be a positive number", ErrInvalidVoice, rawWeight)
		}

		weight = parsed
		name = strings.TrimSpace(rest)
	}

	if !namePattern.MatchString(name) {
		return Component{}, fmt.Errorf("%w: voice name %q", ErrInvalidVoice, name)
	}

	return Component{Name: name, Weight: weight}, nil
}

// Resolver implements core.VoiceResolver.
type Resolver struct {
	// override, when set, is used for every voice that arrives without an
	// explicit code.
	override string
}

// NewResolver creates a resolver. A non-empty defaultCode replaces the
// first-letter fallback for every request.
func NewResolver(defaultCode string) (*Resolver, error) {
	code := strings.ToLower(strings.TrimSpace(defaultCode))
	if code != "" {
		if _, ok := languages[code]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, defaultCode)
		}
	}

	return &Resolver{override: code}, nil
}

// Resolve returns the language code for voiceName. An explicit code wins,
// then the configured default, then the first letter of the first voice in
// the expression.
func (r *Resolver) Resolve(voiceName, explicitCode string) (string, error) {
	formula, err := ParseFormula(voiceName)
	if err != nil {
		return "", err
	}

	code := strings.ToLower(strings.TrimSpace(explicitCode))
	if code == "" {
		code = r.override
	}

	if code == "" {
		first := []rune(formula.Primary())[0]
		code = string(unicode.ToLower(first))
	}

	if _, ok := languages[code]; !ok {
		return "", fmt.Errorf("%w: %q for voice %q", ErrUnknownLanguage, code, voiceName)
	}

	return code, nil
}

// Language returns the human-readable name of a language code.
func Language(code string) (string, bool) {
	name, ok := languages[code]

	return name, ok
}

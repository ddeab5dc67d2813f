// Package text normalizes request input into something a speech model reads
// aloud sensibly.
package text

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxNumberForWords is the largest integer spelled out; larger ones are left
// as digits.
const MaxNumberForWords = 999_999

// ErrEmptyText indicates input that normalizes to nothing speakable.
var ErrEmptyText = errors.New("text is empty after normalization")

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"]+`)
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	numberPattern     = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+\b|\b\d+\b`)
	referencePattern  = regexp.MustCompile(`\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	emDashPattern     = regexp.MustCompile(`\s*—\s*`)
	repeatedPunct     = regexp.MustCompile(`([!?,;:])[!?,;:]+`)
)

var abbreviations = strings.NewReplacer(
	"Mr.", "Mister",
	"Mrs.", "Misses",
	"Ms.", "Miss",
	"Dr.", "Doctor",
	"St.", "Saint",
	"Prof.", "Professor",
	"Jr.", "Junior",
	"Sr.", "Senior",
	"vs.", "versus",
	"etc.", "et cetera",
	"e.g.", "for example",
	"i.e.", "that is",
)

var punctuation = strings.NewReplacer(
	"–", "-",
	"‒", "-",
	"…", "...",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// Options select optional normalization steps.
type Options struct {
	// SpellNumbers turns integers into words.
	SpellNumbers bool
	// KeepReferences leaves bracketed citation markers in place.
	KeepReferences bool
}

// Normalizer rewrites text before synthesis. The zero value is not useful;
// use NewNormalizer.
type Normalizer struct {
	opts Options
}

// NewNormalizer returns a normalizer with the given options.
func NewNormalizer(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Normalize expands abbreviations, replaces URLs and email addresses with
// speakable forms, normalizes dashes, quotes and ellipses, collapses
// whitespace and makes sure the text ends like a sentence.
func (n *Normalizer) Normalize(input string) (string, error) {
	text := urlPattern.ReplaceAllStringFunc(input, speakURL)
	text = emailPattern.ReplaceAllStringFunc(text, speakEmail)
	text = abbreviations.Replace(text)
	text = emDashPattern.ReplaceAllString(text, ", ")
	text = punctuation.Replace(text)

	if !n.opts.KeepReferences {
		text = referencePattern.ReplaceAllString(text, "")
	}

	if n.opts.SpellNumbers {
		text = numberPattern.ReplaceAllStringFunc(text, spellNumber)
	}

	text = repeatedPunct.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))

	if !containsLetterOrDigit(text) {
		return "", ErrEmptyText
	}

	return endSentence(text), nil
}

func speakURL(raw string) string {
	trimmed := strings.TrimRight(raw, ".,;:!?)")
	tail := raw[len(trimmed):]

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "a link" + tail
	}

	host := strings.TrimPrefix(u.Hostname(), "www.")

	return strings.ReplaceAll(host, ".", " dot ") + tail
}

func speakEmail(address string) string {
	local, domain, found := strings.Cut(address, "@")
	if !found {
		return address
	}

	spoken := strings.NewReplacer(".", " dot ", "_", " underscore ", "-", " dash ")

	return spoken.Replace(local) + " at " + spoken.Replace(domain)
}

func spellNumber(digits string) string {
	number, err := strconv.Atoi(strings.ReplaceAll(digits, ",", ""))
	if err != nil {
		return digits
	}

	return IntegerToWords(number)
}

func containsLetterOrDigit(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

func endSentence(text string) string {
	last, _ := utf8.DecodeLastRuneInString(text)

	switch last {
	case '.', '!', '?', '"', '\'':
		return text
	case ',', ';', ':', '-':
		return strings.TrimRightFunc(text[:len(text)-utf8.RuneLen(last)], unicode.IsSpace) + "."
	default:
		return text + "."
	}
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// IntegerToWords spells out 0..MaxNumberForWords in English. Other values are
// returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return ones[0]
	}

	var parts []string

	if thousands := number / 1000; thousands > 0 {
		parts = append(parts, underThousand(thousands), "thousand")
	}

	if rest := number % 1000; rest > 0 {
		parts = append(parts, underThousand(rest))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	var parts []string

	if hundreds := number / 100; hundreds > 0 {
		parts = append(parts, ones[hundreds], "hundred")
	}

	rest := number % 100

	switch {
	case rest == 0:
	case rest < 20:
		parts = append(parts, ones[rest])
	case rest%10 == 0:
		parts = append(parts, tens[rest/10])
	default:
		parts = append(parts, tens[rest/10]+"-"+ones[rest%10])
	}

	return strings.Join(parts, " ")
}

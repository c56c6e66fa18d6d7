// Package pattern detects fiat amounts in free text and renders them with
// their equivalent in the target unit.
//
// Two patterns are compiled per currency: one where the marker precedes the
// amount ("$19.99", "USD 5") and one where it follows ("19.99 USD",
// "5 million dollars"). Compiled libraries are cached for the process
// lifetime, keyed by marker set.
package pattern

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Currency lists the markers that identify the configured fiat currency.
type Currency struct {
	Prefix []string
	Suffix []string
}

// PriceMatch is one amount found in a piece of text.
type PriceMatch struct {
	Raw        string  // matched substring, marker included
	Base       float64 // amount before the magnitude suffix
	Multiplier float64 // 1, 1e3, 1e6, 1e9 or 1e12
	Amount     float64 // Base * Multiplier
	Start, End int     // byte span of Raw in the source text
}

// Library holds the compiled detection patterns.
type Library struct {
	prefix *regexp.Regexp
	suffix *regexp.Regexp
}

const (
	amountExpr = `\d{1,3}(?:[,.'\x{00A0}\x{202F}]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?`
	magExpr    = `(?:[\s\x{00A0}]?(thousand|million|billion|trillion)\b|(mn|bn|tn|mm|k|m|b|t)\b)?`
	gapExpr    = `[\s\x{00A0}]?`
)

var magnitudes = map[string]float64{
	"k": 1e3, "thousand": 1e3,
	"m": 1e6, "mm": 1e6, "mn": 1e6, "million": 1e6,
	"b": 1e9, "bn": 1e9, "billion": 1e9,
	"t": 1e12, "tn": 1e12, "trillion": 1e12,
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Library)
)

// Compile returns the Library for c, compiling it on first use.
func Compile(c Currency) (*Library, error) {
	key := strings.Join(c.Prefix, "\x00") + "\x01" + strings.Join(c.Suffix, "\x00")

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if lib, ok := cache[key]; ok {
		return lib, nil
	}

	lib := &Library{}
	if len(c.Prefix) > 0 {
		re, err := regexp.Compile(`(?i)` + markerGroup(c.Prefix, true) + gapExpr + `(` + amountExpr + `)` + magExpr)
		if err != nil {
			return nil, fmt.Errorf("pattern: compile prefix: %w", err)
		}
		lib.prefix = re
	}
	if len(c.Suffix) > 0 {
		re, err := regexp.Compile(`(?i)\b(` + amountExpr + `)` + magExpr + gapExpr + markerGroup(c.Suffix, false))
		if err != nil {
			return nil, fmt.Errorf("pattern: compile suffix: %w", err)
		}
		lib.suffix = re
	}
	cache[key] = lib
	return lib, nil
}

// markerGroup builds a non-capturing alternation, longest marker first so
// "US$" wins over "$". Word-like markers get a word boundary on the side
// away from the amount.
func markerGroup(markers []string, leading bool) string {
	sorted := append([]string(nil), markers...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	parts := make([]string, 0, len(sorted))
	for _, m := range sorted {
		if m == "" {
			continue
		}
		q := regexp.QuoteMeta(m)
		runes := []rune(m)
		if leading && isWordRune(runes[0]) {
			q = `\b` + q
		}
		if !leading && isWordRune(runes[len(runes)-1]) {
			q += `\b`
		}
		parts = append(parts, q)
	}
	return `(?:` + strings.Join(parts, "|") + `)`
}

func isWordRune(r rune) bool {
	return r == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

// Contains reports whether text holds at least one amount next to a marker.
func (l *Library) Contains(text string) bool {
	if l.prefix != nil && l.prefix.MatchString(text) {
		return true
	}
	return l.suffix != nil && l.suffix.MatchString(text)
}

// Find returns every amount in text, in text order, without overlaps.
// A prefix match wins over an overlapping suffix match. Amounts that do
// not parse are not matches.
func (l *Library) Find(text string) []PriceMatch {
	var out []PriceMatch
	if l.prefix != nil {
		out = l.collect(text, l.prefix, out)
	}
	if l.suffix != nil {
		for _, m := range l.collect(text, l.suffix, nil) {
			if !overlaps(out, m) {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (l *Library) collect(text string, re *regexp.Regexp, out []PriceMatch) []PriceMatch {
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		// A grouped amount cut short by the regexp, as in "1,2345", is
		// malformed rather than "1,234".
		if loc[3] < len(text) && isDigit(text[loc[3]]) {
			continue
		}
		base, ok := ParseAmount(text[loc[2]:loc[3]])
		if !ok {
			continue
		}
		mult := 1.0
		switch {
		case loc[4] >= 0:
			mult = magnitudes[strings.ToLower(text[loc[4]:loc[5]])]
		case loc[6] >= 0:
			mult = magnitudes[strings.ToLower(text[loc[6]:loc[7]])]
		}
		out = append(out, PriceMatch{
			Raw:        text[loc[0]:loc[1]],
			Base:       base,
			Multiplier: mult,
			Amount:     base * mult,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func overlaps(accepted []PriceMatch, m PriceMatch) bool {
	for _, a := range accepted {
		if m.Start < a.End && a.Start < m.End {
			return true
		}
	}
	return false
}

// ParseAmount turns a grouped decimal string into a number. Grouping
// characters (comma, dot, apostrophe, no-break spaces) are stripped; the
// decimal separator is the last comma or dot unless it is followed by
// exactly three digits of a grouped number. Negative, NaN and infinite
// values are rejected.
func ParseAmount(raw string) (float64, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'', '\u2019':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	if s == "" {
		return 0, false
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

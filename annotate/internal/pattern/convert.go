package pattern

import (
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// ErrInvalidRate is returned for a reference rate that is not a positive
// finite number.
var ErrInvalidRate = errors.New("pattern: rate must be a positive finite number")

// Units describes the target unit and its subunit.
type Units struct {
	Primary          string // "BTC"
	Subunit          string // "sats"
	SubunitsPerUnit  int64  // 1e8
	PrimaryPrecision int32
	SubunitPrecision int32
}

// ConversionResult pairs the original text with its converted label.
type ConversionResult struct {
	OriginalText   string
	ConvertedLabel string
}

// String renders the replacement: "original (label)".
func (r ConversionResult) String() string {
	return r.OriginalText + " (" + r.ConvertedLabel + ")"
}

// Converter turns fiat amounts into labels at a fixed reference rate
// (fiat per primary unit).
type Converter struct {
	rate      decimal.Decimal
	perUnit   decimal.Decimal
	units     Units
	annotated *regexp.Regexp
}

// NewConverter validates rate and prepares the labels for units.
func NewConverter(rate float64, u Units) (*Converter, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return nil, ErrInvalidRate
	}
	if u.SubunitsPerUnit <= 0 {
		u.SubunitsPerUnit = 100_000_000
	}
	re, err := regexp.Compile(`^[\s\x{00A0}]*\([\d.,\s\x{00A0}]+(?:` +
		regexp.QuoteMeta(u.Primary) + `|` + regexp.QuoteMeta(u.Subunit) + `)\)`)
	if err != nil {
		return nil, err
	}
	return &Converter{
		rate:      decimal.NewFromFloat(rate),
		perUnit:   decimal.NewFromInt(u.SubunitsPerUnit),
		units:     u,
		annotated: re,
	}, nil
}

// Rate returns the reference rate.
func (c *Converter) Rate() float64 {
	f, _ := c.rate.Float64()
	return f
}

// Label renders amount in the primary unit when it is worth at least one
// primary unit, in the subunit otherwise.
func (c *Converter) Label(amount float64) string {
	a := decimal.NewFromFloat(amount)
	primary := a.Div(c.rate)
	if a.GreaterThanOrEqual(c.rate) {
		return group(primary, c.units.PrimaryPrecision) + " " + c.units.Primary
	}
	return group(primary.Mul(c.perUnit), c.units.SubunitPrecision) + " " + c.units.Subunit
}

// Convert builds the ConversionResult for original worth amount.
func (c *Converter) Convert(original string, amount float64) ConversionResult {
	return ConversionResult{OriginalText: original, ConvertedLabel: c.Label(amount)}
}

// Annotated reports whether rest starts with a label this converter produces.
func (c *Converter) Annotated(rest string) bool {
	return c.annotated.MatchString(rest)
}

// group rounds d to places and adds locale-free thousands separators.
func group(d decimal.Decimal, places int32) string {
	r := d.Round(places)
	s := humanize.Comma(r.IntPart())
	if _, frac, ok := strings.Cut(r.String(), "."); ok {
		s += "." + frac
	}
	return s
}

// Annotator rewrites every amount of a text with its conversion.
type Annotator struct {
	lib  *Library
	conv *Converter
}

// NewAnnotator binds a Library to a Converter.
func NewAnnotator(lib *Library, conv *Converter) *Annotator {
	return &Annotator{lib: lib, conv: conv}
}

// Library returns the detection patterns.
func (a *Annotator) Library() *Library { return a.lib }

// Converter returns the converter.
func (a *Annotator) Converter() *Converter { return a.conv }

// ConvertText returns text with every match replaced by "match (label)" and
// the number of replacements. Matches already followed by a label are kept.
func (a *Annotator) ConvertText(text string) (string, int) {
	matches := a.lib.Find(text)
	if len(matches) == 0 {
		return text, 0
	}

	var sb strings.Builder
	last, n := 0, 0
	for _, m := range matches {
		if a.conv.Annotated(text[m.End:]) {
			continue
		}
		sb.WriteString(text[last:m.Start])
		sb.WriteString(a.conv.Convert(m.Raw, m.Amount).String())
		last = m.End
		n++
	}
	if n == 0 {
		return text, 0
	}
	sb.WriteString(text[last:])
	return sb.String(), n
}

package format

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const man = 10000

// Number formats v with the locale's grouping separators.
// Example: Number(1234567, "ja") => "1,234,567"
func Number(v float64, lang string) string {
	p := printer(lang)
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return p.Sprintf("%d", int64(v))
	}
	return p.Sprintf("%.1f", v)
}

// People formats a head count, e.g. "1,234人" for ja and "1,234 people" for en.
func People(v float64, lang string) string {
	switch base(lang) {
	case "en":
		return Number(v, lang) + " people"
	default:
		return Number(v, lang) + "人"
	}
}

// AxisValue abbreviates values of ten thousand and above as "N万"; smaller
// values are grouped like Number.
func AxisValue(v float64, lang string) string {
	if v >= man {
		return fmt.Sprintf("%.0f万", math.Round(v/man))
	}
	return Number(v, lang)
}

// Year formats a year label for the chart axis and tables.
func Year(year int, lang string) string {
	switch base(lang) {
	case "en":
		return fmt.Sprintf("%d", year)
	default:
		return fmt.Sprintf("%d年", year)
	}
}

func printer(lang string) *message.Printer {
	tag, err := language.Parse(base(lang))
	if err != nil {
		tag = language.Japanese
	}
	return message.NewPrinter(tag)
}

func base(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i != -1 {
		lang = lang[:i]
	}
	if lang == "" {
		return "ja"
	}
	return lang
}

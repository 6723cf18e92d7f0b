// Package merge aligns the selected prefectures' population series onto one
// shared year axis. Merge is a pure reducer over a cache snapshot and a
// selection; nothing is retained between calls.
package merge

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/AY-49047/yumemi-test/internal/population"
	"github.com/AY-49047/yumemi-test/internal/selection"
)

// Source is the read side of the composition cache.
type Source interface {
	Lookup(code int) (population.Composition, bool)
}

// Namer resolves prefecture names for row labels.
type Namer interface {
	Name(code int) (string, bool)
}

// Value is one aligned observation. OK is false when the prefecture has no
// point for that year, which is distinct from a zero value.
type Value struct {
	V  float64
	OK bool
}

// Present builds a present value.
func Present(v float64) Value { return Value{V: v, OK: true} }

// Absent is the missing value.
var Absent = Value{}

// MarshalJSON encodes absent values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.OK {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON decodes null as absent.
func (v *Value) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*v = Absent
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = Present(f)
	return nil
}

// Row is one prefecture's series aligned to Data.Years.
type Row struct {
	Code   int     `json:"code"`
	Label  string  `json:"label"`
	Series string  `json:"series"`
	Values []Value `json:"values"`
}

// Fallback records a composition that lacked the requested category and was
// charted from its first series instead.
type Fallback struct {
	Code      int
	Requested selection.Category
	Used      string
}

// Data is the chart-ready result of Merge.
type Data struct {
	Category  selection.Category `json:"category"`
	Years     []int              `json:"years"`
	Rows      []Row              `json:"rows"`
	Fallbacks []Fallback         `json:"-"`
}

// Empty reports whether there is nothing to plot.
func (d Data) Empty() bool { return len(d.Rows) == 0 }

// Merge builds chart data for sel from src. Codes without a cached
// composition are skipped. Rows follow the selection's order and Years is the
// ascending union of the chosen series' years.
func Merge(src Source, names Namer, sel selection.Selection) Data {
	out := Data{
		Category: sel.Category(),
		Years:    []int{},
		Rows:     []Row{},
	}
	if src == nil {
		return out
	}

	type picked struct {
		code   int
		series population.Series
	}
	var chosen []picked
	yearSet := map[int]struct{}{}
	for _, code := range sel.Codes() {
		comp, ok := src.Lookup(code)
		if !ok {
			continue
		}
		series, ok := comp.Lookup(sel.Category().Label())
		if !ok {
			if len(comp.Series) == 0 {
				continue
			}
			series = comp.Series[0]
			out.Fallbacks = append(out.Fallbacks, Fallback{
				Code:      code,
				Requested: sel.Category(),
				Used:      series.Label,
			})
		}
		chosen = append(chosen, picked{code: code, series: series})
		for _, p := range series.Points {
			yearSet[p.Year] = struct{}{}
		}
	}

	for year := range yearSet {
		out.Years = append(out.Years, year)
	}
	sort.Ints(out.Years)

	index := make(map[int]int, len(out.Years))
	for i, year := range out.Years {
		index[year] = i
	}

	for _, c := range chosen {
		values := make([]Value, len(out.Years))
		for _, p := range c.series.Points {
			i := index[p.Year]
			if values[i].OK {
				// first point wins on duplicate years
				continue
			}
			values[i] = Present(p.Value)
		}
		out.Rows = append(out.Rows, Row{
			Code:   c.code,
			Label:  label(names, c.code),
			Series: c.series.Label,
			Values: values,
		})
	}
	return out
}

func label(names Namer, code int) string {
	if names != nil {
		if name, ok := names.Name(code); ok && name != "" {
			return name
		}
	}
	return strconv.Itoa(code)
}

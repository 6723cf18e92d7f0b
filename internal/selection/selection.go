// Package selection models which prefectures are checked and which
// population category is plotted. Selections are values: every transition
// returns a new Selection.
package selection

import (
	"net/url"
	"strconv"
	"strings"
)

// Category is a population category. Its value is the label the API uses.
type Category string

const (
	Total      Category = "総人口"
	Youth      Category = "年少人口"
	WorkingAge Category = "生産年齢人口"
	Elderly    Category = "老年人口"
)

var categoryKeys = map[Category]string{
	Total:      "total",
	Youth:      "youth",
	WorkingAge: "working-age",
	Elderly:    "elderly",
}

// Categories lists every category in display order.
func Categories() []Category {
	return []Category{Total, Youth, WorkingAge, Elderly}
}

// Key returns the ASCII identifier used in URLs and message keys.
func (c Category) Key() string {
	return categoryKeys[c]
}

// Label returns the API label.
func (c Category) Label() string { return string(c) }

// ParseCategory accepts either the ASCII key or the API label.
func ParseCategory(s string) (Category, bool) {
	s = strings.TrimSpace(s)
	for cat, key := range categoryKeys {
		if s == key || s == string(cat) {
			return cat, true
		}
	}
	return "", false
}

// Selection is an insertion-ordered set of prefecture codes plus a category.
type Selection struct {
	codes    []int
	category Category
}

// New builds a selection; duplicate and non-positive codes are dropped and an
// unknown category falls back to Total.
func New(category Category, codes ...int) Selection {
	if _, ok := categoryKeys[category]; !ok {
		category = Total
	}
	out := Selection{category: category}
	for _, code := range codes {
		if code <= 0 || out.Has(code) {
			continue
		}
		out.codes = append(out.codes, code)
	}
	return out
}

// Codes returns the checked codes in the order they were checked.
func (s Selection) Codes() []int {
	out := make([]int, len(s.codes))
	copy(out, s.codes)
	return out
}

// Category returns the chosen category, Total when unset.
func (s Selection) Category() Category {
	if s.category == "" {
		return Total
	}
	return s.category
}

// Len returns the number of checked codes.
func (s Selection) Len() int { return len(s.codes) }

// Empty reports whether no code is checked.
func (s Selection) Empty() bool { return len(s.codes) == 0 }

// Has reports whether code is checked.
func (s Selection) Has(code int) bool {
	for _, c := range s.codes {
		if c == code {
			return true
		}
	}
	return false
}

// Toggle returns the selection with code removed if present, appended otherwise.
func (s Selection) Toggle(code int) Selection {
	if code <= 0 {
		return s
	}
	next := Selection{category: s.category, codes: make([]int, 0, len(s.codes)+1)}
	found := false
	for _, c := range s.codes {
		if c == code {
			found = true
			continue
		}
		next.codes = append(next.codes, c)
	}
	if !found {
		next.codes = append(next.codes, code)
	}
	return next
}

// SetCategory returns the selection with category replaced.
func (s Selection) SetCategory(category Category) Selection {
	if _, ok := categoryKeys[category]; !ok {
		return s
	}
	return Selection{codes: s.Codes(), category: category}
}

// Query encodes the selection as pref=…&cat=… preserving code order.
func (s Selection) Query() url.Values {
	q := url.Values{}
	for _, code := range s.codes {
		q.Add("pref", strconv.Itoa(code))
	}
	q.Set("cat", s.Category().Key())
	return q
}

// Encode is Query().Encode() with prefecture order kept (url.Values.Encode
// sorts keys but keeps value order within a key).
func (s Selection) Encode() string {
	return s.Query().Encode()
}

// ParseQuery reads pref (repeated or comma separated) and cat. Entries that
// do not parse are ignored.
func ParseQuery(q url.Values) Selection {
	category := Total
	if cat, ok := ParseCategory(q.Get("cat")); ok {
		category = cat
	}
	var codes []int
	for _, raw := range q["pref"] {
		for _, part := range strings.Split(raw, ",") {
			code, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			codes = append(codes, code)
		}
	}
	return New(category, codes...)
}

// Retain drops codes for which keep returns false.
func (s Selection) Retain(keep func(code int) bool) Selection {
	next := Selection{category: s.category}
	for _, code := range s.codes {
		if keep(code) {
			next.codes = append(next.codes, code)
		}
	}
	return next
}

// ToggleURL returns base with the query of s.Toggle(code).
func (s Selection) ToggleURL(base string, code int) string {
	return withQuery(base, s.Toggle(code))
}

// ToggleRequestURL returns base with the current query plus toggle=code, for
// requests that apply the toggle server side.
func (s Selection) ToggleRequestURL(base string, code int) string {
	return withQuery(base, s) + "&toggle=" + strconv.Itoa(code)
}

// CategoryURL returns base with the query of s.SetCategory(category).
func (s Selection) CategoryURL(base string, category Category) string {
	return withQuery(base, s.SetCategory(category))
}

// URL returns base with the selection's own query.
func (s Selection) URL(base string) string {
	return withQuery(base, s)
}

func withQuery(base string, s Selection) string {
	return base + "?" + s.Encode()
}

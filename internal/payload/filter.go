package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

// Condition is one node of a filter tree: *FieldCondition, *HasIDCondition,
// *NestedCondition, *IsEmptyCondition or *Filter.
type Condition interface {
	condition()
}

// Filter combines conditions. A point matches when it matches every Must
// condition, at least one Should condition (if any), at least MinShould.Count
// of MinShould.Conditions (if set) and no MustNot condition. The empty filter
// matches every point.
type Filter struct {
	Must      []Condition
	Should    []Condition
	MustNot   []Condition
	MinShould *MinShould
}

type MinShould struct {
	Conditions []Condition
	Count      int
}

// Match is the value test of a FieldCondition. Exactly one of its fields is
// set.
type Match struct {
	Text    string `json:"text,omitempty"`
	TextAny string `json:"text_any,omitempty"`
	Phrase  string `json:"phrase,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// TextMatch returns the text index form of m, or false for value matches.
func (m Match) TextMatch() (textindex.Match, bool) {
	switch {
	case m.Text != "":
		return textindex.Match{Text: m.Text, Kind: query.AllTokens}, true
	case m.TextAny != "":
		return textindex.Match{Text: m.TextAny, Kind: query.AnyToken}, true
	case m.Phrase != "":
		return textindex.Match{Text: m.Phrase, Kind: query.Phrase}, true
	default:
		return textindex.Match{}, false
	}
}

func (m Match) validate() error {
	set := 0
	for _, s := range []string{m.Text, m.TextAny, m.Phrase} {
		if s != "" {
			set++
		}
	}
	if m.Value != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: match needs exactly one of text, text_any, phrase, value", apperrors.ErrInvalidInput)
	}
	return nil
}

type FieldCondition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

// HasIDCondition matches the listed points.
type HasIDCondition struct {
	IDs []PointOffset `json:"has_id"`
}

// NestedCondition matches when at least one object of the array at Key
// matches Filter on its own.
type NestedCondition struct {
	Key    string
	Filter *Filter
}

// IsEmptyCondition matches points with no value at Key.
type IsEmptyCondition struct {
	Key string
}

func (*FieldCondition) condition()   {}
func (*HasIDCondition) condition()   {}
func (*NestedCondition) condition()  {}
func (*IsEmptyCondition) condition() {}
func (*Filter) condition()           {}

// IsEmpty reports whether f has no clauses.
func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0 && f.MinShould == nil)
}

type filterJSON struct {
	Must      []json.RawMessage `json:"must,omitempty"`
	Should    []json.RawMessage `json:"should,omitempty"`
	MustNot   []json.RawMessage `json:"must_not,omitempty"`
	MinShould *struct {
		Conditions []json.RawMessage `json:"conditions"`
		MinCount   int               `json:"min_count"`
	} `json:"min_should,omitempty"`
}

// ParseFilter decodes a JSON filter such as
//
//	{"must": [{"key": "title", "match": {"text": "quick fox"}}]}
func ParseFilter(data []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw filterJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: filter: %v", apperrors.ErrInvalidInput, err)
	}
	var err error
	if f.Must, err = parseConditions(raw.Must); err != nil {
		return err
	}
	if f.Should, err = parseConditions(raw.Should); err != nil {
		return err
	}
	if f.MustNot, err = parseConditions(raw.MustNot); err != nil {
		return err
	}
	if raw.MinShould != nil {
		conds, err := parseConditions(raw.MinShould.Conditions)
		if err != nil {
			return err
		}
		f.MinShould = &MinShould{Conditions: conds, Count: raw.MinShould.MinCount}
	}
	return nil
}

func parseConditions(raws []json.RawMessage) ([]Condition, error) {
	out := make([]Condition, 0, len(raws))
	for _, raw := range raws {
		c, err := parseCondition(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCondition(raw json.RawMessage) (Condition, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: condition: %v", apperrors.ErrInvalidInput, err)
	}
	switch {
	case probe["key"] != nil:
		var c FieldCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: field condition: %v", apperrors.ErrInvalidInput, err)
		}
		if c.Key == "" {
			return nil, fmt.Errorf("%w: field condition without key", apperrors.ErrInvalidInput)
		}
		if err := c.Match.validate(); err != nil {
			return nil, err
		}
		return &c, nil
	case probe["has_id"] != nil:
		var c HasIDCondition
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: has_id: %v", apperrors.ErrInvalidInput, err)
		}
		return &c, nil
	case probe["nested"] != nil:
		var n struct {
			Key    string `json:"key"`
			Filter Filter `json:"filter"`
		}
		if err := json.Unmarshal(probe["nested"], &n); err != nil {
			if errors.Is(err, apperrors.ErrInvalidInput) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: nested: %v", apperrors.ErrInvalidInput, err)
		}
		if n.Key == "" {
			return nil, fmt.Errorf("%w: nested condition without key", apperrors.ErrInvalidInput)
		}
		return &NestedCondition{Key: n.Key, Filter: &n.Filter}, nil
	case probe["is_empty"] != nil:
		var e struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(probe["is_empty"], &e); err != nil || e.Key == "" {
			return nil, fmt.Errorf("%w: is_empty needs a key", apperrors.ErrInvalidInput)
		}
		return &IsEmptyCondition{Key: e.Key}, nil
	case probe["must"] != nil, probe["should"] != nil, probe["must_not"] != nil, probe["min_should"] != nil:
		var f Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: unrecognised condition %s", apperrors.ErrInvalidInput, raw)
	}
}

// walkConditions calls fn for every condition of f, descending into
// sub-filters but not into nested conditions.
func walkConditions(f *Filter, fn func(Condition)) {
	if f == nil {
		return
	}
	visit := func(cs []Condition) {
		for _, c := range cs {
			fn(c)
			if sub, ok := c.(*Filter); ok {
				walkConditions(sub, fn)
			}
		}
	}
	visit(f.Must)
	visit(f.Should)
	visit(f.MustNot)
	if f.MinShould != nil {
		visit(f.MinShould.Conditions)
	}
}

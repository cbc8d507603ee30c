package payload

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

// Field schema types.
const (
	SchemaText    = "text"
	SchemaKeyword = "keyword"
)

// FieldSchema declares how a payload field is indexed. Only text fields get
// a field index; keyword fields are recorded and evaluated from payload.
type FieldSchema struct {
	Type string                  `yaml:"type" json:"type"`
	Text *config.TextIndexParams `yaml:"text,omitempty" json:"text,omitempty"`
}

// TextSchema is a text field schema with the given parameters.
func TextSchema(params config.TextIndexParams) FieldSchema {
	return FieldSchema{Type: SchemaText, Text: &params}
}

func (s FieldSchema) Validate() error {
	switch s.Type {
	case SchemaText:
		if s.Text == nil {
			return nil
		}
		if err := s.Text.Validate(); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
		}
		return nil
	case SchemaKeyword:
		if s.Text != nil {
			return fmt.Errorf("%w: keyword schema takes no text params", apperrors.ErrInvalidInput)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schema type %q", apperrors.ErrInvalidInput, s.Type)
	}
}

// TextParams returns the text parameters, defaulted when unset.
func (s FieldSchema) TextParams() config.TextIndexParams {
	if s.Text == nil {
		return config.DefaultTextIndexParams()
	}
	return *s.Text
}

// Compatible reports whether an index built for s can serve o.
func (s FieldSchema) Compatible(o FieldSchema) bool {
	if s.Type != o.Type {
		return false
	}
	if s.Type == SchemaText {
		return s.TextParams().Equal(o.TextParams())
	}
	return true
}

// BuildStatus is the outcome of BuildIndex.
type BuildStatus int

const (
	Built BuildStatus = iota
	AlreadyBuilt
	IncompatibleSchema
)

func (s BuildStatus) String() string {
	switch s {
	case Built:
		return "built"
	case AlreadyBuilt:
		return "already_built"
	case IncompatibleSchema:
		return "incompatible_schema"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BuildResult carries a freshly built field index until ApplyIndex installs
// it. Text is nil for schemas without a field index.
type BuildResult struct {
	Status BuildStatus
	Field  string
	Schema FieldSchema
	Text   *textindex.TextIndex
}

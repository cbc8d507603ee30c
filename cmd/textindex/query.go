package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
)

type queryArgs struct {
	filter     string
	filterFile string
	field      string
	text       string
	kind       string
}

type queryResult struct {
	Points   []payload.PointOffset `json:"points"`
	Estimate payload.Estimation    `json:"estimate"`
	Hardware hwcounter.Snapshot    `json:"hardware"`
}

func newQueryCommand(a *app) *cobra.Command {
	var args queryArgs
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a filter against a persisted index",
		Long: `Either pass a JSON filter with --filter / --filter-file, or a single text
match with --field and --text. --kind selects text (all tokens), text_any
or phrase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := args.parse()
			if err != nil {
				return err
			}
			return runQuery(cmd, a, f)
		},
	}
	cmd.Flags().StringVar(&args.filter, "filter", "", "JSON filter")
	cmd.Flags().StringVar(&args.filterFile, "filter-file", "", "file holding a JSON filter")
	cmd.Flags().StringVar(&args.field, "field", "", "payload key of a single text match")
	cmd.Flags().StringVar(&args.text, "text", "", "query text of a single text match")
	cmd.Flags().StringVar(&args.kind, "kind", query.AllTokens.String(), "match kind: text, text_any or phrase")
	cmd.MarkFlagsMutuallyExclusive("filter", "filter-file", "text")
	return cmd
}

func (q queryArgs) parse() (*payload.Filter, error) {
	switch {
	case q.filter != "":
		return payload.ParseFilter([]byte(q.filter))
	case q.filterFile != "":
		raw, err := os.ReadFile(q.filterFile)
		if err != nil {
			return nil, fmt.Errorf("reading filter file: %w", err)
		}
		return payload.ParseFilter(raw)
	case q.text != "":
		if q.field == "" {
			return nil, fmt.Errorf("%w: --text needs --field", apperrors.ErrInvalidInput)
		}
		var m payload.Match
		switch q.kind {
		case query.AllTokens.String():
			m.Text = q.text
		case query.AnyToken.String():
			m.TextAny = q.text
		case query.Phrase.String():
			m.Phrase = q.text
		default:
			return nil, fmt.Errorf("%w: unknown match kind %q", apperrors.ErrInvalidInput, q.kind)
		}
		return &payload.Filter{Must: []payload.Condition{&payload.FieldCondition{Key: q.field, Match: m}}}, nil
	default:
		return nil, fmt.Errorf("%w: one of --filter, --filter-file or --text is required", apperrors.ErrInvalidInput)
	}
}

func runQuery(cmd *cobra.Command, a *app, f *payload.Filter) error {
	ctx := logger.WithOperation(cmd.Context(), "query")
	idx, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	hw := hwcounter.New(a.cfg.Index.HardwareBudget)
	est := idx.EstimateCardinality(f, hw)
	points, err := idx.QueryPoints(ctx, f, hw)
	if err != nil {
		return err
	}
	res := queryResult{
		Points:   append([]payload.PointOffset{}, points...),
		Estimate: est,
		Hardware: hw.Snapshot(),
	}
	logger.FromContext(ctx).Debug("query finished", "matched", len(res.Points), "cost", res.Hardware.Total())
	return writeJSON(cmd.OutOrStdout(), res)
}

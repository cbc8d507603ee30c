package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/segment"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
)

type segmentInfo struct {
	Path   string         `json:"path"`
	Size   int64          `json:"size"`
	Header segment.Header `json:"header"`
}

type blockInfo struct {
	Token       string `json:"token"`
	Cardinality int    `json:"cardinality"`
}

type inspectReport struct {
	Telemetry payload.Telemetry              `json:"telemetry"`
	Schema    map[string]payload.FieldSchema `json:"schema"`
	Files     []string                       `json:"files"`
	Segments  []segmentInfo                  `json:"segments,omitempty"`
	Blocks    []blockInfo                    `json:"blocks,omitempty"`
}

func newInspectCommand(a *app) *cobra.Command {
	var (
		blocksField string
		threshold   int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print schema, telemetry and on-disk segment headers of an index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := logger.WithOperation(cmd.Context(), "inspect")
			idx, err := a.openIndex(ctx)
			if err != nil {
				return err
			}
			defer idx.Close()

			report := inspectReport{
				Telemetry: idx.Telemetry(),
				Schema:    idx.IndexedFields(),
				Files:     idx.Files(),
			}
			for _, path := range idx.ImmutableFiles() {
				if filepath.Base(path) != segment.FileName {
					continue
				}
				info, err := readSegment(path)
				if err != nil {
					return err
				}
				report.Segments = append(report.Segments, info)
			}
			if blocksField != "" {
				for b := range idx.PayloadBlocks(blocksField, threshold, hwcounter.Disposable()) {
					tm, _ := b.Condition.Match.TextMatch()
					report.Blocks = append(report.Blocks, blockInfo{Token: tm.Text, Cardinality: b.Cardinality})
				}
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&blocksField, "blocks", "", "list payload blocks of this text field")
	cmd.Flags().IntVar(&threshold, "threshold", 1, "minimum points per payload block")
	return cmd
}

func readSegment(path string) (segmentInfo, error) {
	r, err := segment.Open(path)
	if err != nil {
		return segmentInfo{}, err
	}
	defer r.Close()
	return segmentInfo{Path: path, Size: r.Size(), Header: r.Header()}, nil
}

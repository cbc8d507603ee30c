package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
)

// pointRecord is one line of a points file.
type pointRecord struct {
	ID      *uint32         `json:"id"`
	Payload payload.Payload `json:"payload"`
}

type buildArgs struct {
	input  string
	fields []string
	onDisk bool
	freeze bool
}

func newBuildCommand(a *app) *cobra.Command {
	var args buildArgs
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Load a JSONL file of points and index text fields",
		Long: `Reads one {"id": N, "payload": {...}} object per line, stores the
payloads and builds a text index for every --field. With --freeze the
indexes are sealed into their immutable form and the segment stops
accepting writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, a, args)
		},
	}
	cmd.Flags().StringVar(&args.input, "input", "-", "points file, - for stdin")
	cmd.Flags().StringSliceVar(&args.fields, "field", nil, "payload key to index as text (repeatable)")
	cmd.Flags().BoolVar(&args.onDisk, "on-disk", false, "persist frozen indexes as mmap files")
	cmd.Flags().BoolVar(&args.freeze, "freeze", false, "seal the segment after loading")
	return cmd
}

func runBuild(cmd *cobra.Command, a *app, args buildArgs) error {
	ctx := logger.WithOperation(cmd.Context(), "build")
	log := logger.FromContext(ctx)

	in := cmd.InOrStdin()
	if args.input != "-" {
		f, err := os.Open(args.input)
		if err != nil {
			return fmt.Errorf("opening points file: %w", err)
		}
		defer f.Close()
		in = f
	}

	idx, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	start := time.Now()
	n, err := loadPoints(cmd, idx, in)
	if err != nil {
		return err
	}
	log.Info("points loaded", "count", n, "duration", time.Since(start))

	params := a.cfg.Text
	params.OnDisk = args.onDisk || a.cfg.Index.OnDisk
	for _, field := range args.fields {
		hw := hwcounter.Disposable()
		if err := idx.SetIndexed(ctx, field, payload.TextSchema(params), hw); err != nil {
			return fmt.Errorf("indexing field %q: %w", field, err)
		}
		log.Info("field indexed", "field", field, "points", idx.IndexedPoints(field))
	}
	if args.freeze {
		if err := idx.FreezeIndexes(hwcounter.Disposable()); err != nil {
			return err
		}
	}
	if err := idx.Flusher()(); err != nil {
		return fmt.Errorf("flushing index: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), idx.Telemetry())
}

func loadPoints(cmd *cobra.Command, idx *payload.Index, in io.Reader) (int, error) {
	ctx := cmd.Context()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec pointRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return n, fmt.Errorf("%w: line %d: %v", apperrors.ErrInvalidInput, line, err)
		}
		if rec.ID == nil {
			return n, fmt.Errorf("%w: line %d: missing id", apperrors.ErrInvalidInput, line)
		}
		if err := idx.OverwritePayload(ctx, payload.PointOffset(*rec.ID), rec.Payload, nil); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("reading points: %w", err)
	}
	slog.Default().Debug("points file read", "lines", line)
	return n, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

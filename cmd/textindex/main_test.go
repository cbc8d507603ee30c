package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

const pointsJSONL = `{"id": 1, "payload": {"title": "the quick brown fox", "rating": 5}}
{"id": 2, "payload": {"title": "quick fox"}}

{"id": 3, "payload": {"title": ["brown bear", "sleeps"]}}
`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestBuildQueryInspect(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(t.TempDir(), "points.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(pointsJSONL), 0o644))

	out, err := run(t, "", "build", "--data-dir", dir, "--input", input, "--field", "title", "--on-disk", "--freeze")
	require.NoError(t, err)
	tel := decode[payload.Telemetry](t, out)
	assert.Equal(t, 3, tel.Points)
	assert.True(t, tel.Sealed)
	require.Len(t, tel.Fields, 1)
	assert.Equal(t, textindex.BackendMmap, tel.Fields[0].Backend)

	out, err = run(t, "", "query", "--data-dir", dir, "--field", "title", "--text", "quick fox")
	require.NoError(t, err)
	res := decode[queryResult](t, out)
	assert.Equal(t, []payload.PointOffset{1, 2}, res.Points)
	assert.LessOrEqual(t, res.Estimate.Min, 2)
	assert.GreaterOrEqual(t, res.Estimate.Max, 2)

	out, err = run(t, "", "query", "--data-dir", dir, "--field", "title", "--kind", "text_any", "--text", "bear sleeps")
	require.NoError(t, err)
	assert.Equal(t, []payload.PointOffset{3}, decode[queryResult](t, out).Points)

	out, err = run(t, "", "query", "--data-dir", dir,
		"--filter", `{"must": [{"key": "title", "match": {"text": "brown"}}], "must_not": [{"has_id": [3]}]}`)
	require.NoError(t, err)
	assert.Equal(t, []payload.PointOffset{1}, decode[queryResult](t, out).Points)

	out, err = run(t, "", "inspect", "--data-dir", dir, "--blocks", "title", "--threshold", "2")
	require.NoError(t, err)
	report := decode[inspectReport](t, out)
	require.Len(t, report.Segments, 1)
	assert.Equal(t, uint32(3), report.Segments[0].Header.PointCount)
	assert.Equal(t, []blockInfo{{"brown", 2}, {"fox", 2}, {"quick", 2}}, report.Blocks)
	assert.Contains(t, report.Schema, "title")
}

func TestBuildFromStdin(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, pointsJSONL, "build", "--data-dir", dir, "--field", "title")
	require.NoError(t, err)
	tel := decode[payload.Telemetry](t, out)
	assert.False(t, tel.Sealed)
	assert.Equal(t, textindex.BackendMutable, tel.Fields[0].Backend)

	// An open segment keeps accepting points.
	_, err = run(t, `{"id": 9, "payload": {"title": "quick"}}`, "build", "--data-dir", dir)
	require.NoError(t, err)
	out, err = run(t, "", "query", "--data-dir", dir, "--field", "title", "--text", "quick")
	require.NoError(t, err)
	assert.Equal(t, []payload.PointOffset{1, 2, 9}, decode[queryResult](t, out).Points)
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string][]string{
		"no filter":        {"query", "--data-dir", dir},
		"text no field":    {"query", "--data-dir", dir, "--text", "fox"},
		"bad kind":         {"query", "--data-dir", dir, "--field", "title", "--text", "fox", "--kind", "fuzzy"},
		"bad filter":       {"query", "--data-dir", dir, "--filter", `{"maybe": []}`},
		"bad points input": {"build", "--data-dir", dir},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, `{"payload": {}}`, args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Equal(t, 2, apperrors.ExitCode(err))
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, TokenizerWord, cfg.Text.Tokenizer)
	assert.True(t, cfg.Text.LowercaseEnabled())
	assert.Equal(t, 30*time.Second, cfg.Index.FlushInterval)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Zero(t, cfg.Server.RateLimit)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
index:
  dataDir: /var/lib/ti
  onDisk: true
text:
  tokenizer: prefix
  minTokenLen: 2
  maxTokenLen: 8
  stopwordLanguages: [english]
  phraseMatching: true
storage:
  backend: redis
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	t.Setenv("TI_REDIS_ADDR", "redis:6380")
	t.Setenv("TI_SERVER_PORT", "9191")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ti", cfg.Index.DataDir)
	assert.True(t, cfg.Index.OnDisk)
	assert.Equal(t, TokenizerPrefix, cfg.Text.Tokenizer)
	assert.Equal(t, []string{"english"}, cfg.Text.Languages)
	assert.True(t, cfg.Text.PhraseMatch)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestTextIndexParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultTextIndexParams().Validate())
	assert.Error(t, TextIndexParams{Tokenizer: "ngram"}.Validate())
	assert.Error(t, TextIndexParams{MinTokenLen: 5, MaxTokenLen: 3}.Validate())
	assert.Error(t, TextIndexParams{Tokenizer: TokenizerPrefix}.Validate())
}

func TestTextIndexParamsEqual(t *testing.T) {
	off := false
	a := TextIndexParams{Tokenizer: "", PhraseMatch: true}
	b := TextIndexParams{Tokenizer: TokenizerWord, PhraseMatch: true, OnDisk: true}
	assert.True(t, a.Equal(b))
	b.Lowercase = &off
	assert.False(t, a.Equal(b))
}

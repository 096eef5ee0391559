package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, int64(100), cfg.Cycle.PeriodMs)
	require.Equal(t, "memory", cfg.Store.Kind)
	require.Equal(t, "rules.yaml", cfg.Rules.DocumentPath)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	contents := []byte("cycle:\n  period_ms: 250\nstore:\n  kind: redis\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o644))

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, int64(250), cfg.Cycle.PeriodMs)
	require.Equal(t, "redis", cfg.Store.Kind)
}

func TestLoadBindsFlagsOverDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rules.document_path", "rules.yaml", "")
	require.NoError(t, flags.Set("rules.document_path", "/tmp/custom-rules.yaml"))

	cfg, err := Load(flags)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-rules.yaml", cfg.Rules.DocumentPath)
}

func TestCycleConfigPeriod(t *testing.T) {
	cfg := CycleConfig{PeriodMs: 500}
	require.Equal(t, int64(500), cfg.Period().Milliseconds())
}

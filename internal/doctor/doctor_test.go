package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trelab/airlockd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:       dir,
		DatabasePath:  filepath.Join(dir, "airlock.db"),
		StorageRoot:   filepath.Join(dir, "tiers"),
		IngressSecret: "s3cret",
		Roles:         map[string]config.RoleConfig{"alice": {Owner: true}},
	}
}

func TestValidateHealthyConfig(t *testing.T) {
	t.Parallel()
	d := New(testConfig(t))

	r := d.Validate(context.Background())
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestValidateCreatesTierRoots(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	d := New(cfg)

	r := d.Validate(context.Background())
	require.True(t, r.Valid)

	entries, err := os.ReadDir(cfg.StorageRoot)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestValidateUnwritableDataDir(t *testing.T) {
	t.Parallel()
	if os.Getuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	cfg := testConfig(t)
	require.NoError(t, os.Chmod(cfg.DataDir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(cfg.DataDir, 0o755) })

	r := New(cfg).Validate(context.Background())
	assert.False(t, r.Valid)
	assert.NotEmpty(t, r.Errors)
}

func TestValidateWarnsOnMissingSecretAndRoles(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.IngressSecret = ""
	cfg.Roles = nil

	r := New(cfg).Validate(context.Background())
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 2)
}

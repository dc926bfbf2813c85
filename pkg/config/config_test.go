package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agora-labs/agora/pkg/config"
)

func TestDefaultsAreRunnable(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(config.DefaultMintRatio), cfg.Mint.Ratio)
	assert.Equal(t, config.DefaultMaxInvokeDepth, cfg.MaxInvokeDepth)
	assert.Equal(t, config.DefaultInvokeDeadline, cfg.InvokeDeadline.Std())
	assert.Equal(t, "sqlite", cfg.Traces.Driver)
	assert.Equal(t, "fs", cfg.Snapshot.Backend)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.yaml")
	doc := `
logs_root: /var/run/agora
run_id: run-42
genesis:
  - id: alice
    balance: 500
  - id: observer
    balance: 0
    has_standing: false
mint:
  ratio: 7
  scoring_max: 200
  auction_interval: 50
  remainder_sink: genesis_treasury
max_invoke_depth: 3
invoke_deadline: 2s
disk_quotas:
  alice: 4096
traces:
  driver: postgres
  dsn: postgres://localhost/agora
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/run/agora", cfg.LogsRoot)
	assert.Equal(t, "run-42", cfg.RunID)
	require.Len(t, cfg.Genesis, 2)
	assert.True(t, cfg.Genesis[0].Standing())
	assert.False(t, cfg.Genesis[1].Standing())
	assert.Equal(t, int64(7), cfg.Mint.Ratio)
	assert.Equal(t, uint64(50), cfg.Mint.AuctionInterval)
	assert.Equal(t, 3, cfg.MaxInvokeDepth)
	assert.Equal(t, 2*time.Second, cfg.InvokeDeadline.Std())
	assert.Equal(t, "postgres", cfg.Traces.Driver)

	quota, ok := cfg.DiskQuota("alice")
	assert.True(t, ok)
	assert.Equal(t, int64(4096), quota)
	_, ok = cfg.DiskQuota("bob")
	assert.False(t, ok)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AGORA_MINT_RATIO", "25")
	t.Setenv("AGORA_TRACE_DRIVER", "memory")
	t.Setenv("AGORA_RUN_ID", "env-run")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.Mint.Ratio)
	assert.Equal(t, "memory", cfg.Traces.Driver)
	assert.Equal(t, "env-run", cfg.RunID)
}

func TestMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero mint ratio", func(c *config.Config) { c.Mint.Ratio = 0 }},
		{"negative scoring max", func(c *config.Config) { c.Mint.ScoringMax = -1 }},
		{"zero invoke depth", func(c *config.Config) { c.MaxInvokeDepth = 0 }},
		{"bad trace driver", func(c *config.Config) { c.Traces.Driver = "etcd" }},
		{"bad snapshot backend", func(c *config.Config) { c.Snapshot.Backend = "tape" }},
		{"duplicate genesis", func(c *config.Config) {
			c.Genesis = []config.GenesisPrincipal{{ID: "a", Balance: 1}, {ID: "a", Balance: 2}}
		}},
		{"negative balance", func(c *config.Config) {
			c.Genesis = []config.GenesisPrincipal{{ID: "a", Balance: -1}}
		}},
		{"negative quota", func(c *config.Config) {
			c.DiskQuotas = map[string]int64{"a": -5}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

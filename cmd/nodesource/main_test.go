package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/nodesource/internal/config"
)

func TestApplyFlagOverrides(t *testing.T) {
	saved := flagOverrides
	t.Cleanup(func() { flagOverrides = saved })

	flagOverrides = config.Config{}
	flagOverrides.NodeSource.Name = "from-flag"
	flagOverrides.Backend.Type = "maas"
	flagOverrides.Logging.Level = "debug"

	cfg := &config.Config{}
	cfg.NodeSource.Name = "from-file"
	cfg.Connector.URL = "http://connector:8088/connector-iaas"
	applyFlagOverrides(cfg)

	assert.Equal(t, "from-flag", cfg.NodeSource.Name)
	assert.Equal(t, "maas", cfg.Backend.Type)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://connector:8088/connector-iaas", cfg.Connector.URL, "unset flags keep file values")
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "nodesource dev")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "acquire", "instances", "terminate", "shutdown", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

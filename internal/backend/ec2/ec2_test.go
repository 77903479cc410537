package ec2

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/backend/backendtest"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

func validConfig() Config {
	return Config{AccessKey: "AKIA", SecretKey: "secret", Image: "eu-west-1/ami-1"}
}

func TestNew_Defaults(t *testing.T) {
	b, err := New(validConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, b.cfg.Instances)
	assert.Equal(t, 1, b.cfg.CPU)
	assert.Equal(t, 512, b.cfg.RAM)
	assert.Equal(t, "aws-ec2", b.Type())
	assert.Equal(t, backend.ByInstanceID, b.Addressing())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing access key", func(c *Config) { c.AccessKey = "" }},
		{"missing secret", func(c *Config) { c.SecretKey = "" }},
		{"missing image", func(c *Config) { c.Image = "" }},
		{"negative instances", func(c *Config) { c.Instances = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestInfrastructure(t *testing.T) {
	b, err := New(validConfig())
	require.NoError(t, err)

	assert.Equal(t, connector.Infrastructure{
		ID:                    "infra",
		Type:                  "aws-ec2",
		Credentials:           connector.Credentials{Username: "AKIA", Password: "secret"},
		ToBeRemovedOnShutdown: true,
	}, b.Infrastructure("infra", true))
}

func TestProvision_Plain(t *testing.T) {
	cfg := validConfig()
	cfg.Instances = 3
	b, err := New(cfg)
	require.NoError(t, err)
	creator := &backendtest.Creator{}

	ids, err := b.Provision(context.Background(), creator, backend.Plan{InfrastructureID: "infra"})

	require.NoError(t, err)
	assert.Len(t, ids, 3)
	calls := creator.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CreateInstances", calls[0].Method)
	assert.Equal(t, "infra", calls[0].Tag)
	assert.Equal(t, 3, calls[0].Count)
}

func TestProvision_WithOptions(t *testing.T) {
	cfg := validConfig()
	cfg.SpotPrice = "0.05"
	cfg.SecurityGroups = []string{"default"}
	b, err := New(cfg)
	require.NoError(t, err)
	creator := &backendtest.Creator{}

	_, err = b.Provision(context.Background(), creator, backend.Plan{InfrastructureID: "infra"})

	require.NoError(t, err)
	calls := creator.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "CreateInstancesWithOptions", calls[0].Method)
	assert.Equal(t, coordinator.InstanceOptions{SpotPrice: "0.05", SecurityGroupNames: []string{"default"}}, calls[0].Options)
}

func TestScript_TwoCommandsNoCredentials(t *testing.T) {
	b, err := New(validConfig())
	require.NoError(t, err)

	script := b.Script(backendtest.Bootstrap{}, "i-1")

	assert.Equal(t, []string{"download", "start instanceId=i-1"}, script.Scripts)
	assert.Nil(t, script.Credentials)
}

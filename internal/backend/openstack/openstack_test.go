package openstack

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/backend/backendtest"
)

func validConfig() Config {
	return Config{
		Username: "admin",
		Password: "pw",
		Endpoint: "http://keystone:5000/v3",
		Image:    "img-1",
	}
}

func TestNew_Defaults(t *testing.T) {
	b, err := New(validConfig())
	require.NoError(t, err)

	assert.Equal(t, "3", b.cfg.Flavor)
	assert.Equal(t, 1, b.cfg.Instances)
	assert.Equal(t, backend.ByInstanceTag, b.Addressing())
	assert.Equal(t, "instanceTag", b.Addressing().NodeProperty())
}

func TestNew_RequiresEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Endpoint = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestInfrastructure(t *testing.T) {
	b, err := New(validConfig())
	require.NoError(t, err)

	infra := b.Infrastructure("infra", true)

	assert.Equal(t, "openstack-nova", infra.Type)
	assert.Equal(t, "http://keystone:5000/v3", infra.Endpoint)
	assert.True(t, infra.ToBeRemovedOnShutdown)
}

func TestProvision_OneRequestPerTag(t *testing.T) {
	cfg := validConfig()
	cfg.Instances = 3
	cfg.PublicKeyName = "deploy"
	b, err := New(cfg)
	require.NoError(t, err)
	creator := &backendtest.Creator{}

	tags, err := b.Provision(context.Background(), creator, backend.Plan{
		InfrastructureID: "infra",
		Bootstrap:        backendtest.Bootstrap{},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"infra_1", "infra_2", "infra_3"}, tags)

	calls := creator.Calls()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, "CreateInstancesWithPublicKeyAndInitScript", call.Method)
		assert.Equal(t, tags[i], call.Tag)
		assert.Equal(t, 1, call.Count)
		assert.Equal(t, "3", call.HardwareType)
		assert.Equal(t, "deploy", call.PublicKeyName)
		assert.Equal(t, []string{"download", "start instanceTag=" + tags[i]}, call.Scripts)
	}
}

func TestProvision_FailureAborts(t *testing.T) {
	cfg := validConfig()
	cfg.Instances = 2
	b, err := New(cfg)
	require.NoError(t, err)
	boom := errors.New("quota exceeded")
	creator := &backendtest.Creator{Err: boom}

	_, err = b.Provision(context.Background(), creator, backend.Plan{
		InfrastructureID: "infra",
		Bootstrap:        backendtest.Bootstrap{},
	})

	assert.ErrorIs(t, err, boom)
	assert.Len(t, creator.Calls(), 1)
}

// Package backend defines the abstraction for the cloud and metal
// providers reachable through the connector.  Each provider (EC2,
// Azure, OpenStack, VMware, MAAS) implements Backend so the node source
// stays provider-agnostic.
package backend

import (
	"context"
	"strconv"

	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// Addressing tells how a worker names the instance it runs on, and
// therefore how that instance is terminated.
type Addressing int

const (
	// ByInstanceID: the connector returns instance ids at creation and
	// the bootstrap script is run on each id afterwards.
	ByInstanceID Addressing = iota

	// ByInstanceTag: every instance is created under its own tag with
	// the bootstrap passed as init script, and is terminated by tag.
	ByInstanceTag
)

// NodeProperty is the worker property carrying the instance key.
func (a Addressing) NodeProperty() string {
	if a == ByInstanceTag {
		return "instanceTag"
	}
	return "instanceId"
}

func (a Addressing) String() string {
	if a == ByInstanceTag {
		return "tag"
	}
	return "id"
}

// Creator is the part of the coordinator a backend provisions with.
type Creator interface {
	CreateInstances(ctx context.Context, infraID, tag, image string, count, cores, ram int) ([]string, error)
	CreateInstancesWithOptions(ctx context.Context, infraID, tag, image string, count, cores, ram int, opts coordinator.InstanceOptions) ([]string, error)
	CreateInstancesWithPublicKeyAndInitScript(ctx context.Context, infraID, tag, image string, count int, hardwareType, publicKeyName string, scripts []string) ([]string, error)
	CreateAzureInstances(ctx context.Context, infraID, tag string, az coordinator.AzureInstances) ([]string, error)
	CreateMaasInstances(ctx context.Context, infraID, tag string, maas coordinator.MaasInstances) ([]string, error)
}

// Compile-time check.
var _ Creator = (*coordinator.Coordinator)(nil)

// Bootstrapper renders the worker start script for an instance key.
type Bootstrapper interface {
	Commands(property, key string) []string
	ShellCommand(property, key string) []string
}

// Plan is one acquisition round.
type Plan struct {
	InfrastructureID string
	Bootstrap        Bootstrapper
}

// Backend is the contract every provider must satisfy.
type Backend interface {
	// Type is the connector infrastructure type, e.g. "aws-ec2".
	Type() string

	// Infrastructure returns the registration for id.
	Infrastructure(id string, destroyOnShutdown bool) connector.Infrastructure

	// Addressing reports how instances are keyed.
	Addressing() Addressing

	// Provision creates the configured instances and returns their
	// keys: instance ids for ByInstanceID, tags for ByInstanceTag.
	Provision(ctx context.Context, c Creator, p Plan) ([]string, error)

	// Script returns the bootstrap run on key after creation.  Only
	// used for ByInstanceID backends.
	Script(b Bootstrapper, key string) connector.Script
}

// InstanceTags returns the per-instance tags <infraID>_1 .. <infraID>_count.
func InstanceTags(infraID string, count int) []string {
	tags := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		tags = append(tags, infraID+"_"+strconv.Itoa(i))
	}
	return tags
}

// Package backendtest provides recording fakes for backend tests.
package backendtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/coordinator"
)

// CreateCall is one recorded creation.
type CreateCall struct {
	Method        string
	InfraID       string
	Tag           string
	Image         string
	Count         int
	Cores         int
	RAM           int
	HardwareType  string
	PublicKeyName string
	Scripts       []string
	Options       coordinator.InstanceOptions
	Azure         coordinator.AzureInstances
	Maas          coordinator.MaasInstances
}

// Creator records every creation and returns count ids derived from
// the tag.
type Creator struct {
	mu    sync.Mutex
	calls []CreateCall
	Err   error
}

// Compile-time check.
var _ backend.Creator = (*Creator)(nil)

// Calls returns a copy of the recorded calls.
func (c *Creator) Calls() []CreateCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CreateCall(nil), c.calls...)
}

func (c *Creator) record(call CreateCall) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.Err != nil {
		return nil, c.Err
	}
	ids := make([]string, 0, call.Count)
	for i := range call.Count {
		ids = append(ids, fmt.Sprintf("%s-vm-%d", call.Tag, i))
	}
	return ids, nil
}

func (c *Creator) CreateInstances(_ context.Context, infraID, tag, image string, count, cores, ram int) ([]string, error) {
	return c.record(CreateCall{Method: "CreateInstances", InfraID: infraID, Tag: tag, Image: image, Count: count, Cores: cores, RAM: ram})
}

func (c *Creator) CreateInstancesWithOptions(_ context.Context, infraID, tag, image string, count, cores, ram int, opts coordinator.InstanceOptions) ([]string, error) {
	return c.record(CreateCall{Method: "CreateInstancesWithOptions", InfraID: infraID, Tag: tag, Image: image, Count: count, Cores: cores, RAM: ram, Options: opts})
}

func (c *Creator) CreateInstancesWithPublicKeyAndInitScript(_ context.Context, infraID, tag, image string, count int, hardwareType, publicKeyName string, scripts []string) ([]string, error) {
	return c.record(CreateCall{Method: "CreateInstancesWithPublicKeyAndInitScript", InfraID: infraID, Tag: tag, Image: image, Count: count, HardwareType: hardwareType, PublicKeyName: publicKeyName, Scripts: scripts})
}

func (c *Creator) CreateAzureInstances(_ context.Context, infraID, tag string, az coordinator.AzureInstances) ([]string, error) {
	return c.record(CreateCall{Method: "CreateAzureInstances", InfraID: infraID, Tag: tag, Image: az.Image, Count: az.Count, Azure: az})
}

func (c *Creator) CreateMaasInstances(_ context.Context, infraID, tag string, maas coordinator.MaasInstances) ([]string, error) {
	return c.record(CreateCall{Method: "CreateMaasInstances", InfraID: infraID, Tag: tag, Image: maas.Image, Count: maas.Count, Scripts: maas.InitScript, Maas: maas})
}

// Bootstrap renders predictable scripts.
type Bootstrap struct{}

// Compile-time check.
var _ backend.Bootstrapper = Bootstrap{}

func (Bootstrap) Commands(property, key string) []string {
	return []string{"download", "start " + property + "=" + key}
}

func (Bootstrap) ShellCommand(property, key string) []string {
	return []string{"-c '" + strings.Join(Bootstrap{}.Commands(property, key), ";") + "'"}
}

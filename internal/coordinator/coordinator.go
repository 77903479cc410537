// Package coordinator is the orchestration layer every backend goes
// through to reach the connector.  A Coordinator is bound to one backend
// type; its provider-flavored creation entry points all end in the same
// idempotent create-if-absent primitive.
package coordinator

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/terrpan/nodesource/internal/connector"
)

// Connector is the subset of *connector.Client the Coordinator uses.
type Connector interface {
	WaitUntilUp(ctx context.Context) error
	CreateInfrastructure(ctx context.Context, infra connector.Infrastructure) error
	TerminateInfrastructure(ctx context.Context, infraID string) error
	ListInstances(ctx context.Context, infraID string) ([]connector.Instance, error)
	CreateInstancesIfAbsent(ctx context.Context, infraID, tag string, req connector.InstanceRequest, known []connector.Instance) ([]string, error)
	TerminateInstance(ctx context.Context, infraID, instanceID string) error
	TerminateInstanceByTag(ctx context.Context, infraID, tag string) error
	RunScript(ctx context.Context, infraID, instanceID string, script connector.Script) (string, error)
}

// Compile-time check.
var _ Connector = (*connector.Client)(nil)

// Config holds the Coordinator parameters.
type Config struct {
	Connector   Connector
	BackendType string
	Logger      *slog.Logger
}

// Coordinator holds only immutable configuration and is safe for
// concurrent use.
type Coordinator struct {
	connector   Connector
	backendType string
	logger      *slog.Logger
	creates     singleflight.Group

	tracer           trace.Tracer
	instancesCreated metric.Int64Counter
	scriptsExecuted  metric.Int64Counter
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Coordinator{
		connector:   cfg.Connector,
		backendType: cfg.BackendType,
		logger:      cfg.Logger.WithGroup("coordinator").With(slog.String("backend", cfg.BackendType)),
		tracer:      otel.Tracer("nodesource/coordinator"),
	}

	meter := otel.Meter("nodesource/coordinator")
	var err error
	c.instancesCreated, err = meter.Int64Counter(
		"nodesource.instances.created",
		metric.WithDescription("Instances created through the connector"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesCreated counter", slog.String("error", err.Error()))
	}

	c.scriptsExecuted, err = meter.Int64Counter(
		"nodesource.scripts.executed",
		metric.WithDescription("Scripts run on instances, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create scriptsExecuted counter", slog.String("error", err.Error()))
	}

	return c
}

// BackendType returns the connector type this Coordinator is bound to.
func (c *Coordinator) BackendType() string {
	return c.backendType
}

// ---------------------------------------------------------------------------
// Infrastructure
// ---------------------------------------------------------------------------

// WaitUntilUp blocks until the connector answers or its wait policy is
// exhausted.
func (c *Coordinator) WaitUntilUp(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.WaitUntilUp")
	defer span.End()

	c.logger.Info("waiting for connector")
	if err := c.connector.WaitUntilUp(ctx); err != nil {
		return spanError(span, err)
	}
	c.logger.Info("connector is up")
	return nil
}

// CreateInfrastructure registers infra under the coordinator's backend
// type, replacing any registration with the same id.
func (c *Coordinator) CreateInfrastructure(ctx context.Context, infra connector.Infrastructure) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.CreateInfrastructure")
	defer span.End()
	span.SetAttributes(attribute.String("infrastructure.id", infra.ID))

	infra.Type = c.backendType
	if err := c.connector.CreateInfrastructure(ctx, infra); err != nil {
		return spanError(span, err)
	}

	c.logger.Info("infrastructure created",
		slog.String("infrastructureID", infra.ID),
		slog.String("endpoint", infra.Endpoint),
		slog.Bool("toBeRemovedOnShutdown", infra.ToBeRemovedOnShutdown),
	)
	return nil
}

// TerminateInfrastructure removes the registration and every instance
// under it.
func (c *Coordinator) TerminateInfrastructure(ctx context.Context, infraID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.TerminateInfrastructure")
	defer span.End()
	span.SetAttributes(attribute.String("infrastructure.id", infraID))

	if err := c.connector.TerminateInfrastructure(ctx, infraID); err != nil {
		return spanError(span, err)
	}
	c.logger.Info("infrastructure terminated", slog.String("infrastructureID", infraID))
	return nil
}

// ListInstances returns the connector's view of infraID.
func (c *Coordinator) ListInstances(ctx context.Context, infraID string) ([]connector.Instance, error) {
	return c.connector.ListInstances(ctx, infraID)
}

// ---------------------------------------------------------------------------
// Creation entry points
// ---------------------------------------------------------------------------

// InstanceOptions are the optional knobs of CreateInstancesWithOptions.
type InstanceOptions struct {
	SpotPrice          string
	SecurityGroupNames []string
	SubnetID           string
	MACAddresses       []string
}

// AzureInstances describes an Azure creation request.
type AzureInstances struct {
	Image              string
	Count              int
	Username           string
	Password           string
	PublicKey          string
	VMSizeType         string
	ResourceGroup      string
	Region             string
	PrivateNetworkCIDR string
	StaticPublicIP     bool
}

// MaasInstances describes a MAAS deployment request.  SystemID pins a
// specific machine; otherwise MAAS allocates by MinCores and MinRAM.
type MaasInstances struct {
	Image        string
	Count        int
	SystemID     string
	MinCores     int
	MinRAM       int
	MACAddresses []string
	InitScript   []string
}

// CreateInstances creates count instances of image sized by cores and
// ram (MB), unless instances tagged tag already exist.
func (c *Coordinator) CreateInstances(ctx context.Context, infraID, tag, image string, count, cores, ram int) ([]string, error) {
	return c.CreateInstancesWithOptions(ctx, infraID, tag, image, count, cores, ram, InstanceOptions{})
}

// CreateInstancesWithOptions is CreateInstances with provider options.
func (c *Coordinator) CreateInstancesWithOptions(ctx context.Context, infraID, tag, image string, count, cores, ram int, opts InstanceOptions) ([]string, error) {
	return c.createIfAbsent(ctx, infraID, tag, connector.InstanceRequest{
		Image:  image,
		Number: connector.Count(count),
		Hardware: &connector.Hardware{
			MinCores: connector.Count(cores),
			MinRAM:   connector.Count(ram),
		},
		Options: &connector.Options{
			SpotPrice:          opts.SpotPrice,
			SecurityGroupNames: opts.SecurityGroupNames,
			SubnetID:           opts.SubnetID,
			MACAddresses:       opts.MACAddresses,
		},
	})
}

// CreateInstancesWithPublicKeyAndInitScript creates instances of a
// flavor (hardwareType) with a registered key pair and a script run by
// the instance at first boot.
func (c *Coordinator) CreateInstancesWithPublicKeyAndInitScript(ctx context.Context, infraID, tag, image string, count int, hardwareType, publicKeyName string, scripts []string) ([]string, error) {
	req := connector.InstanceRequest{
		Image:      image,
		Number:     connector.Count(count),
		Hardware:   &connector.Hardware{Type: hardwareType},
		InitScript: &connector.Script{Scripts: scripts},
	}
	if publicKeyName != "" {
		req.Credentials = &connector.InstanceCredentials{PublicKeyName: publicKeyName}
	}
	return c.createIfAbsent(ctx, infraID, tag, req)
}

// CreateAzureInstances creates Azure virtual machines.
func (c *Coordinator) CreateAzureInstances(ctx context.Context, infraID, tag string, az AzureInstances) ([]string, error) {
	return c.createIfAbsent(ctx, infraID, tag, connector.InstanceRequest{
		Image:  az.Image,
		Number: connector.Count(az.Count),
		Credentials: &connector.InstanceCredentials{
			Username:  az.Username,
			Password:  az.Password,
			PublicKey: az.PublicKey,
		},
		Hardware: &connector.Hardware{Type: az.VMSizeType},
		Options: &connector.Options{
			ResourceGroup: az.ResourceGroup,
			Region:        az.Region,
		},
		Network: &connector.Network{
			PrivateNetworkCIDR: az.PrivateNetworkCIDR,
			StaticPublicIP:     az.StaticPublicIP,
		},
	})
}

// CreateMaasInstances deploys bare-metal machines.
func (c *Coordinator) CreateMaasInstances(ctx context.Context, infraID, tag string, maas MaasInstances) ([]string, error) {
	req := connector.InstanceRequest{
		Image:  maas.Image,
		Number: connector.Count(maas.Count),
		Options: &connector.Options{
			SystemID:     maas.SystemID,
			MACAddresses: maas.MACAddresses,
		},
	}
	if maas.MinCores > 0 || maas.MinRAM > 0 {
		req.Hardware = &connector.Hardware{
			MinCores: connector.Count(maas.MinCores),
			MinRAM:   connector.Count(maas.MinRAM),
		}
	}
	if len(maas.InitScript) > 0 {
		req.InitScript = &connector.Script{Scripts: maas.InitScript}
	}
	return c.createIfAbsent(ctx, infraID, tag, req)
}

// createIfAbsent snapshots the instances of infraID and creates req only
// when none carries tag.  Concurrent calls for the same infrastructure
// and tag share one snapshot and at most one creation.  The shared work
// is detached from the caller that started it; each caller stops
// waiting when its own ctx is done.
func (c *Coordinator) createIfAbsent(ctx context.Context, infraID, tag string, req connector.InstanceRequest) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.createIfAbsent")
	defer span.End()
	span.SetAttributes(
		attribute.String("infrastructure.id", infraID),
		attribute.String("instance.tag", tag),
		attribute.String("instance.number", req.Number),
	)

	flight := c.creates.DoChan(infraID+"\x00"+tag, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		known, err := c.connector.ListInstances(flightCtx, infraID)
		if err != nil {
			return nil, err
		}
		reused := len(connector.IDsWithTag(known, tag)) > 0
		c.logger.Debug("existing instances",
			slog.String("infrastructureID", infraID),
			slog.Int("count", len(known)),
			slog.Bool("reused", reused),
		)

		ids, err := c.connector.CreateInstancesIfAbsent(flightCtx, infraID, tag, req, known)
		if err != nil {
			return nil, err
		}
		if !reused && c.instancesCreated != nil {
			c.instancesCreated.Add(flightCtx, int64(len(ids)),
				metric.WithAttributes(attribute.String("backend", c.backendType)))
		}
		return ids, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, spanError(span, ctx.Err())
	}
	if res.Err != nil {
		return nil, spanError(span, res.Err)
	}

	ids := res.Val.([]string)
	span.SetAttributes(
		attribute.StringSlice("instance.ids", ids),
		attribute.Bool("singleflight.shared", res.Shared),
	)

	c.logger.Info("instances ready",
		slog.String("infrastructureID", infraID),
		slog.String("tag", tag),
		slog.Any("instanceIDs", ids),
		slog.Any("request", redacted(req)),
	)
	return append([]string(nil), ids...), nil
}

// ---------------------------------------------------------------------------
// Scripts and termination
// ---------------------------------------------------------------------------

// ExecuteScript runs scripts on instanceID.
func (c *Coordinator) ExecuteScript(ctx context.Context, infraID, instanceID string, scripts []string) (string, error) {
	return c.ExecuteScriptWithCredentials(ctx, infraID, instanceID, scripts, nil)
}

// ExecuteScriptWithCredentials runs scripts on instanceID, logging in
// with creds when the backend needs them.
func (c *Coordinator) ExecuteScriptWithCredentials(ctx context.Context, infraID, instanceID string, scripts []string, creds *connector.Credentials) (string, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.ExecuteScript")
	defer span.End()
	span.SetAttributes(
		attribute.String("infrastructure.id", infraID),
		attribute.String("instance.id", instanceID),
	)

	out, err := c.connector.RunScript(ctx, infraID, instanceID, connector.Script{
		Scripts:     scripts,
		Credentials: creds,
	})
	if err != nil {
		c.countScript(ctx, "error")
		return "", spanError(span, err)
	}
	c.countScript(ctx, "ok")

	c.logger.Info("script executed",
		slog.String("infrastructureID", infraID),
		slog.String("instanceID", instanceID),
		slog.String("scripts", strings.Join(scripts, "; ")),
		slog.String("result", out),
	)
	return out, nil
}

// TerminateInstance deletes instanceID.
func (c *Coordinator) TerminateInstance(ctx context.Context, infraID, instanceID string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.TerminateInstance")
	defer span.End()
	span.SetAttributes(
		attribute.String("infrastructure.id", infraID),
		attribute.String("instance.id", instanceID),
	)

	if err := c.connector.TerminateInstance(ctx, infraID, instanceID); err != nil {
		return spanError(span, err)
	}
	c.logger.Info("instance terminated",
		slog.String("infrastructureID", infraID),
		slog.String("instanceID", instanceID),
	)
	return nil
}

// TerminateInstanceByTag deletes every instance carrying tag.
func (c *Coordinator) TerminateInstanceByTag(ctx context.Context, infraID, tag string) error {
	ctx, span := c.tracer.Start(ctx, "coordinator.TerminateInstanceByTag")
	defer span.End()
	span.SetAttributes(
		attribute.String("infrastructure.id", infraID),
		attribute.String("instance.tag", tag),
	)

	if err := c.connector.TerminateInstanceByTag(ctx, infraID, tag); err != nil {
		return spanError(span, err)
	}
	c.logger.Info("instances terminated by tag",
		slog.String("infrastructureID", infraID),
		slog.String("tag", tag),
	)
	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) countScript(ctx context.Context, result string) {
	if c.scriptsExecuted != nil {
		c.scriptsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// redacted drops secrets from req before it is logged.
func redacted(req connector.InstanceRequest) connector.InstanceRequest {
	if req.Credentials != nil {
		creds := *req.Credentials
		if creds.Password != "" {
			creds.Password = "***"
		}
		req.Credentials = &creds
	}
	return req
}

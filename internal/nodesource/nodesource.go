// Package nodesource drives one logical infrastructure: it provisions
// instances through a backend, bootstraps the workers on them, tracks
// which worker node runs on which instance and tears instances down
// when their last node is removed.
package nodesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/nodesource/internal/backend"
	"github.com/terrpan/nodesource/internal/connector"
	"github.com/terrpan/nodesource/internal/registry"
)

// ErrNoInstanceID is returned when a node does not advertise the
// instance it runs on.
var ErrNoInstanceID = errors.New("node advertises no instance id")

// Node is a worker process registered with the resource manager.
type Node struct {
	Name string `json:"name"`

	// URL is where the worker can be asked to stop (optional).
	URL string `json:"url,omitempty"`

	// Properties are the -D properties the worker was started with.
	Properties map[string]string `json:"properties,omitempty"`
}

// Coordinator is the part of *coordinator.Coordinator a NodeSource uses.
type Coordinator interface {
	backend.Creator
	WaitUntilUp(ctx context.Context) error
	CreateInfrastructure(ctx context.Context, infra connector.Infrastructure) error
	TerminateInfrastructure(ctx context.Context, infraID string) error
	TerminateInstance(ctx context.Context, infraID, instanceID string) error
	TerminateInstanceByTag(ctx context.Context, infraID, tag string) error
	ExecuteScriptWithCredentials(ctx context.Context, infraID, instanceID string, scripts []string, creds *connector.Credentials) (string, error)
	ListInstances(ctx context.Context, infraID string) ([]connector.Instance, error)
}

// Config holds the NodeSource parameters.
type Config struct {
	// Name is the human-readable node source name (required).  The
	// infrastructure id is derived from it.
	Name string

	Coordinator Coordinator
	Backend     backend.Backend
	Bootstrap   backend.Bootstrapper

	// WorkerKiller stops workers on removal (optional).
	WorkerKiller WorkerKiller

	// DestroyOnShutdown is sent with the registration and decides
	// whether Shutdown terminates the infrastructure.
	DestroyOnShutdown bool

	// BootstrapConcurrency bounds concurrent script runs.  Default: 8.
	BootstrapConcurrency int

	Logger *slog.Logger
}

// NodeSource owns the registry of one logical infrastructure.
type NodeSource struct {
	name        string
	infraID     string
	coord       Coordinator
	backend     backend.Backend
	boot        backend.Bootstrapper
	killer      WorkerKiller
	destroy     bool
	concurrency int
	registry    *registry.Registry
	logger      *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	nodesAcquired     metric.Int64Counter
	nodesRemoved      metric.Int64Counter
	killFailures      metric.Int64Counter
	bootstrapFailures metric.Int64Counter
	acquireDuration   metric.Float64Histogram
}

// InfrastructureID normalizes a node source name into the id used
// with the connector: trimmed, spaces to underscores, lower-cased.
func InfrastructureID(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
}

// New creates a NodeSource.
func New(cfg Config) (*NodeSource, error) {
	switch {
	case InfrastructureID(cfg.Name) == "":
		return nil, fmt.Errorf("node source name is required")
	case cfg.Coordinator == nil:
		return nil, fmt.Errorf("coordinator is required")
	case cfg.Backend == nil:
		return nil, fmt.Errorf("backend is required")
	case cfg.Bootstrap == nil:
		return nil, fmt.Errorf("bootstrap is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BootstrapConcurrency <= 0 {
		cfg.BootstrapConcurrency = 8
	}

	ns := &NodeSource{
		name:        cfg.Name,
		infraID:     InfrastructureID(cfg.Name),
		coord:       cfg.Coordinator,
		backend:     cfg.Backend,
		boot:        cfg.Bootstrap,
		killer:      cfg.WorkerKiller,
		destroy:     cfg.DestroyOnShutdown,
		concurrency: cfg.BootstrapConcurrency,
		tracer:      otel.Tracer("nodesource/nodesource"),
		meter:       otel.Meter("nodesource/nodesource"),
	}
	ns.logger = cfg.Logger.WithGroup("nodesource").With(
		slog.String("infrastructureID", ns.infraID),
		slog.String("backend", cfg.Backend.Type()),
	)
	ns.registry = registry.New(registry.Config{
		Terminator: ns.terminateInstance,
		Logger:     cfg.Logger,
	})

	// Initialize metrics (errors are logged but not fatal)
	var err error
	ns.nodesAcquired, err = ns.meter.Int64Counter(
		"nodesource.nodes.acquired",
		metric.WithDescription("Nodes reported live on an instance"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create nodesAcquired counter", slog.String("error", err.Error()))
	}

	ns.nodesRemoved, err = ns.meter.Int64Counter(
		"nodesource.nodes.removed",
		metric.WithDescription("Nodes removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create nodesRemoved counter", slog.String("error", err.Error()))
	}

	ns.killFailures, err = ns.meter.Int64Counter(
		"nodesource.worker.kill.failures",
		metric.WithDescription("Worker processes that could not be asked to stop"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create killFailures counter", slog.String("error", err.Error()))
	}

	ns.bootstrapFailures, err = ns.meter.Int64Counter(
		"nodesource.bootstrap.failures",
		metric.WithDescription("Instances whose bootstrap script failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create bootstrapFailures counter", slog.String("error", err.Error()))
	}

	ns.acquireDuration, err = ns.meter.Float64Histogram(
		"nodesource.acquire.duration",
		metric.WithDescription("Time to provision and bootstrap a round of instances (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create acquireDuration histogram", slog.String("error", err.Error()))
	}

	_, err = ns.meter.Int64ObservableGauge(
		"nodesource.nodes",
		metric.WithDescription("Nodes currently tracked"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			total := 0
			for _, nodes := range ns.registry.Snapshot() {
				total += len(nodes)
			}
			o.Observe(int64(total))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create nodes gauge", slog.String("error", err.Error()))
	}

	return ns, nil
}

// Name returns the node source name.
func (ns *NodeSource) Name() string { return ns.name }

// InfrastructureID returns the normalized infrastructure id.
func (ns *NodeSource) InfrastructureID() string { return ns.infraID }

// BackendType returns the connector type of the backend.
func (ns *NodeSource) BackendType() string { return ns.backend.Type() }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// AcquireNodes waits for the connector, registers the infrastructure,
// provisions the backend's instances and bootstraps each of them.  It
// returns the instance keys.  A bootstrap failure is logged and does
// not affect the other instances.
func (ns *NodeSource) AcquireNodes(ctx context.Context) ([]string, error) {
	ctx, span := ns.tracer.Start(ctx, "nodesource.AcquireNodes")
	defer span.End()
	span.SetAttributes(attribute.String("infrastructure.id", ns.infraID))

	start := time.Now()

	if err := ns.coord.WaitUntilUp(ctx); err != nil {
		return nil, spanError(span, fmt.Errorf("wait for connector: %w", err))
	}

	infra := ns.backend.Infrastructure(ns.infraID, ns.destroy)
	if err := ns.coord.CreateInfrastructure(ctx, infra); err != nil {
		return nil, spanError(span, fmt.Errorf("create infrastructure: %w", err))
	}

	keys, err := ns.backend.Provision(ctx, ns.coord, backend.Plan{
		InfrastructureID: ns.infraID,
		Bootstrap:        ns.boot,
	})
	if err != nil {
		return nil, spanError(span, fmt.Errorf("provision: %w", err))
	}
	span.SetAttributes(attribute.StringSlice("instance.keys", keys))

	if ns.backend.Addressing() == backend.ByInstanceID {
		ns.bootstrapAll(ctx, keys)
	}

	if ns.acquireDuration != nil {
		ns.acquireDuration.Record(ctx, time.Since(start).Seconds())
	}
	ns.logger.Info("instances acquired", slog.Any("instances", keys))
	return keys, nil
}

// NotifyAcquiredNode records that node is live on the instance it
// advertises.
func (ns *NodeSource) NotifyAcquiredNode(ctx context.Context, node Node) error {
	key := node.Properties[ns.backend.Addressing().NodeProperty()]
	if key == "" {
		return fmt.Errorf("%s: %w", node.Name, ErrNoInstanceID)
	}

	if ns.registry.Add(key, node.Name) {
		if ns.nodesAcquired != nil {
			ns.nodesAcquired.Add(ctx, 1)
		}
		ns.logger.Info("node acquired",
			slog.String("node", node.Name),
			slog.String("instance", key),
		)
	}
	return nil
}

// RemoveNode stops the worker behind node and drops it from its
// instance, terminating the instance when it was the last node.  When
// node advertises no instance the registry is searched; failing that a
// warning is logged and nothing else happens.
func (ns *NodeSource) RemoveNode(ctx context.Context, node Node) error {
	ctx, span := ns.tracer.Start(ctx, "nodesource.RemoveNode")
	defer span.End()
	span.SetAttributes(attribute.String("node.name", node.Name))

	key := node.Properties[ns.backend.Addressing().NodeProperty()]
	if key == "" {
		if found, ok := ns.registry.InstanceOf(node.Name); ok {
			key = found
		}
	}

	ns.killWorker(ctx, node)

	if key == "" {
		ns.logger.Warn("cannot resolve instance of removed node", slog.String("node", node.Name))
		return nil
	}
	span.SetAttributes(attribute.String("instance.key", key))

	removal, err := ns.registry.Remove(ctx, key, node.Name)
	if !removal.Found && err == nil {
		// The advertised key is stale; trust the registry instead.
		if found, ok := ns.registry.InstanceOf(node.Name); ok && found != key {
			ns.logger.Warn("node advertises a stale instance",
				slog.String("node", node.Name),
				slog.String("advertised", key),
				slog.String("instance", found),
			)
			key = found
			span.SetAttributes(attribute.String("instance.key", key))
			removal, err = ns.registry.Remove(ctx, key, node.Name)
		}
	}
	if removal.Found && ns.nodesRemoved != nil {
		ns.nodesRemoved.Add(ctx, 1)
	}
	if !removal.Found {
		ns.logger.Warn("removed node was not tracked",
			slog.String("node", node.Name),
			slog.String("instance", key),
		)
	}
	if err != nil {
		return spanError(span, err)
	}

	ns.logger.Info("node removed",
		slog.String("node", node.Name),
		slog.String("instance", key),
		slog.Bool("instanceTerminated", removal.Terminated),
	)
	return nil
}

// Shutdown terminates the whole infrastructure when DestroyOnShutdown
// is set, then forgets every tracked node.
func (ns *NodeSource) Shutdown(ctx context.Context) error {
	ctx, span := ns.tracer.Start(ctx, "nodesource.Shutdown")
	defer span.End()

	err := ns.registry.Shutdown(ctx, func(ctx context.Context) error {
		if !ns.destroy {
			ns.logger.Info("leaving infrastructure in place on shutdown")
			return nil
		}
		ns.logger.Info("terminating infrastructure")
		err := ns.coord.TerminateInfrastructure(ctx, ns.infraID)
		if connector.IsNotFound(err) {
			ns.logger.Warn("infrastructure already gone")
			return nil
		}
		return err
	})
	if err != nil {
		return spanError(span, fmt.Errorf("shutdown: %w", err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Instances returns the connector's view of the infrastructure.
func (ns *NodeSource) Instances(ctx context.Context) ([]connector.Instance, error) {
	return ns.coord.ListInstances(ctx, ns.infraID)
}

// Nodes returns the tracked nodes per instance key.
func (ns *NodeSource) Nodes() map[string][]string {
	return ns.registry.Snapshot()
}

// TrackedInstances returns the number of instances hosting nodes.
func (ns *NodeSource) TrackedInstances() int {
	return ns.registry.Len()
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (ns *NodeSource) bootstrapAll(ctx context.Context, ids []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ns.concurrency)

	for _, id := range ids {
		g.Go(func() error {
			script := ns.backend.Script(ns.boot, id)
			if _, err := ns.coord.ExecuteScriptWithCredentials(gctx, ns.infraID, id, script.Scripts, script.Credentials); err != nil {
				if ns.bootstrapFailures != nil {
					ns.bootstrapFailures.Add(gctx, 1)
				}
				ns.logger.Error("bootstrap failed",
					slog.String("instanceID", id),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (ns *NodeSource) killWorker(ctx context.Context, node Node) {
	if ns.killer == nil {
		return
	}
	if err := ns.killer.Kill(ctx, node); err != nil {
		if ns.killFailures != nil {
			ns.killFailures.Add(ctx, 1)
		}
		ns.logger.Warn("failed to stop worker",
			slog.String("node", node.Name),
			slog.String("error", err.Error()),
		)
	}
}

// terminateInstance is the registry's Terminator.  It runs with the
// registry lock held.
func (ns *NodeSource) terminateInstance(ctx context.Context, key string) error {
	var err error
	if ns.backend.Addressing() == backend.ByInstanceTag {
		err = ns.coord.TerminateInstanceByTag(ctx, ns.infraID, key)
	} else {
		err = ns.coord.TerminateInstance(ctx, ns.infraID, key)
	}
	if connector.IsNotFound(err) {
		ns.logger.Warn("instance already gone", slog.String("instance", key))
		return nil
	}
	return err
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

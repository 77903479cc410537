// Package registry tracks which nodes run on which instance of one
// logical infrastructure and terminates an instance when its last node
// goes away.
//
// Every read-modify-write sequence runs under a single mutex: adding a
// node, removing a node together with the emptiness check, the
// terminate call and the key deletion, and the shutdown teardown.  An
// instance therefore never holds an empty node set once an operation
// returns, and a concurrent Add for the same instance is observed either
// fully before or fully after the termination decision.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TerminatorFunc terminates one instance.  It is called with the
// registry lock held and must not call back into the Registry.
type TerminatorFunc func(ctx context.Context, instanceID string) error

// Config holds the Registry parameters.
type Config struct {
	Terminator TerminatorFunc
	Logger     *slog.Logger
}

// Removal describes the outcome of Remove.
type Removal struct {
	// Found is true when the node was registered on the instance.
	Found bool
	// Terminated is true when the node was the last one and the
	// instance was handed to the Terminator.
	Terminated bool
	// Remaining is the number of nodes left on the instance.
	Remaining int
}

// Registry maps instance id to the set of node names running on it.
type Registry struct {
	terminate TerminatorFunc
	logger    *slog.Logger

	mu        sync.Mutex
	instances map[string]map[string]struct{}

	tracer       trace.Tracer
	terminations metric.Int64Counter
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Terminator == nil {
		cfg.Terminator = func(context.Context, string) error { return nil }
	}

	r := &Registry{
		terminate: cfg.Terminator,
		logger:    cfg.Logger.WithGroup("registry"),
		instances: make(map[string]map[string]struct{}),
		tracer:    otel.Tracer("nodesource/registry"),
	}

	meter := otel.Meter("nodesource/registry")
	var err error
	r.terminations, err = meter.Int64Counter(
		"nodesource.registry.terminations",
		metric.WithDescription("Instances terminated because their last node was removed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create terminations counter", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"nodesource.registry.instances",
		metric.WithDescription("Instances currently hosting at least one node"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instances gauge", slog.String("error", err.Error()))
	}

	return r
}

// Add records node on instanceID.  It reports whether the node was new;
// adding a known node is a no-op.
func (r *Registry) Add(instanceID, node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, ok := r.instances[instanceID]
	if !ok {
		nodes = make(map[string]struct{})
		r.instances[instanceID] = nodes
	}
	if _, dup := nodes[node]; dup {
		return false
	}
	nodes[node] = struct{}{}

	r.logger.Debug("node added",
		slog.String("instanceID", instanceID),
		slog.String("node", node),
		slog.Int("nodes", len(nodes)),
	)
	return true
}

// Remove drops node from instanceID.  When it was the last node, the
// Terminator is called and the instance is forgotten whatever the
// outcome; a terminate failure is returned alongside the Removal.
func (r *Registry) Remove(ctx context.Context, instanceID, node string) (Removal, error) {
	ctx, span := r.tracer.Start(ctx, "registry.Remove")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("node.name", node),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, ok := r.instances[instanceID]
	if !ok {
		return Removal{}, nil
	}
	if _, ok := nodes[node]; !ok {
		return Removal{Remaining: len(nodes)}, nil
	}

	delete(nodes, node)
	if len(nodes) > 0 {
		r.logger.Debug("node removed",
			slog.String("instanceID", instanceID),
			slog.String("node", node),
			slog.Int("remaining", len(nodes)),
		)
		return Removal{Found: true, Remaining: len(nodes)}, nil
	}

	delete(r.instances, instanceID)
	span.SetAttributes(attribute.Bool("instance.terminated", true))

	r.logger.Info("last node removed, terminating instance",
		slog.String("instanceID", instanceID),
		slog.String("node", node),
	)
	if r.terminations != nil {
		r.terminations.Add(ctx, 1)
	}

	if err := r.terminate(ctx, instanceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Removal{Found: true, Terminated: true}, fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return Removal{Found: true, Terminated: true}, nil
}

// InstanceOf returns the instance node is registered on.
func (r *Registry) InstanceOf(node string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(r.instances)) {
		if _, ok := r.instances[id][node]; ok {
			return id, true
		}
	}
	return "", false
}

// Shutdown runs teardown with the lock held and then forgets every
// instance, even when teardown fails.
func (r *Registry) Shutdown(ctx context.Context, teardown func(context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if teardown != nil {
		err = teardown(ctx)
	}
	r.logger.Info("registry cleared", slog.Int("instances", len(r.instances)))
	clear(r.instances)
	return err
}

// Snapshot returns a copy of the mapping with node names sorted.
func (r *Registry) Snapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.instances))
	for id, nodes := range r.instances {
		out[id] = slices.Sorted(maps.Keys(nodes))
	}
	return out
}

// Len returns the number of instances hosting at least one node.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

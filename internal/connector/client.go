// Package connector talks to the connector service, the REST front of
// every supported cloud and metal backend.
//
// Gateway is the raw transport: one HTTP request per call.  Client adds
// the behavior the rest of the repository relies on: a bounded liveness
// probe, destructive-replace registration, idempotent creation by tag
// and bounded retry of script execution.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/terrpan/nodesource/internal/retry"
)

// Default retry policies.
var (
	DefaultWaitPolicy   = retry.Policy{MaxAttempts: 20, Delay: 10 * time.Second}
	DefaultScriptPolicy = retry.Policy{MaxAttempts: 20, Delay: 10 * time.Second}
)

// Config holds the Client parameters.
type Config struct {
	Gateway Gateway

	// WaitPolicy bounds WaitUntilUp.  A zero MaxAttempts selects
	// DefaultWaitPolicy.
	WaitPolicy retry.Policy

	// ScriptPolicy bounds RunScript.  A zero MaxAttempts selects
	// DefaultScriptPolicy.
	ScriptPolicy retry.Policy

	Logger *slog.Logger
}

// Client wraps a Gateway.  It holds no mutable state and is safe for
// concurrent use.
type Client struct {
	gateway      Gateway
	waitPolicy   retry.Policy
	scriptPolicy retry.Policy
	logger       *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.WaitPolicy.MaxAttempts == 0 {
		timer := cfg.WaitPolicy.Timer
		cfg.WaitPolicy = DefaultWaitPolicy
		cfg.WaitPolicy.Timer = timer
	}
	if cfg.ScriptPolicy.MaxAttempts == 0 {
		timer := cfg.ScriptPolicy.Timer
		cfg.ScriptPolicy = DefaultScriptPolicy
		cfg.ScriptPolicy.Timer = timer
	}

	return &Client{
		gateway:      cfg.Gateway,
		waitPolicy:   cfg.WaitPolicy,
		scriptPolicy: cfg.ScriptPolicy,
		logger:       cfg.Logger.WithGroup("connector"),
	}
}

// ---------------------------------------------------------------------------
// Infrastructures
// ---------------------------------------------------------------------------

// WaitUntilUp probes GET /infrastructures until it answers 200 or the
// wait policy is exhausted, in which case the last error is returned.
func (c *Client) WaitUntilUp(ctx context.Context) error {
	err := c.waitPolicy.Do(ctx, func() error {
		_, err := c.gateway.Do(ctx, http.MethodGet, "/infrastructures", nil, nil)
		return err
	}, func(err error, attempt int, next time.Duration) {
		c.logger.Info("connector not up yet",
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", c.waitPolicy.MaxAttempts),
			slog.Duration("retryIn", next),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return fmt.Errorf("connector not reachable: %w", err)
	}
	return nil
}

// CreateInfrastructure deletes any registration with the same id and
// posts infra.  The delete may fail (typically 404) without aborting.
func (c *Client) CreateInfrastructure(ctx context.Context, infra Infrastructure) error {
	if err := c.TerminateInfrastructure(ctx, infra.ID); err != nil {
		c.logger.Debug("no previous infrastructure removed",
			slog.String("infrastructureID", infra.ID),
			slog.String("error", err.Error()),
		)
	}

	body, err := json.Marshal(infra)
	if err != nil {
		return fmt.Errorf("encode infrastructure %s: %w", infra.ID, err)
	}
	if _, err := c.gateway.Do(ctx, http.MethodPost, "/infrastructures", nil, body); err != nil {
		return fmt.Errorf("create infrastructure %s: %w", infra.ID, err)
	}
	return nil
}

// TerminateInfrastructure deletes the registration and, with it, every
// instance the connector created under it.
func (c *Client) TerminateInfrastructure(ctx context.Context, infraID string) error {
	if _, err := c.gateway.Do(ctx, http.MethodDelete, infrastructurePath(infraID), nil, nil); err != nil {
		return fmt.Errorf("terminate infrastructure %s: %w", infraID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

// ListInstances returns the connector's current view of infraID.
func (c *Client) ListInstances(ctx context.Context, infraID string) ([]Instance, error) {
	data, err := c.gateway.Do(ctx, http.MethodGet, instancesPath(infraID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list instances of %s: %w", infraID, err)
	}

	var instances []Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("decode instances of %s: %w", infraID, err)
	}
	return instances, nil
}

// CreateInstancesIfAbsent returns the ids of the known instances tagged
// tag.  Only when there are none does it post req (with its Tag forced
// to tag) and return the ids the connector assigned.  Creation is never
// retried.
func (c *Client) CreateInstancesIfAbsent(ctx context.Context, infraID, tag string, req InstanceRequest, known []Instance) ([]string, error) {
	if existing := IDsWithTag(known, tag); len(existing) > 0 {
		c.logger.Info("instances already exist for tag",
			slog.String("infrastructureID", infraID),
			slog.String("tag", tag),
			slog.Any("instanceIDs", existing),
		)
		return existing, nil
	}

	req.Tag = tag
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode instance request %s: %w", tag, err)
	}

	data, err := c.gateway.Do(ctx, http.MethodPost, instancesPath(infraID), nil, body)
	if err != nil {
		return nil, fmt.Errorf("create instances %s in %s: %w", tag, infraID, err)
	}

	var created []Instance
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("decode created instances %s: %w", tag, err)
	}
	return ids(created), nil
}

// TerminateInstance deletes a single instance by id.
func (c *Client) TerminateInstance(ctx context.Context, infraID, instanceID string) error {
	query := url.Values{"instanceId": {instanceID}}
	if _, err := c.gateway.Do(ctx, http.MethodDelete, instancesPath(infraID), query, nil); err != nil {
		return fmt.Errorf("terminate instance %s in %s: %w", instanceID, infraID, err)
	}
	return nil
}

// TerminateInstanceByTag deletes every instance carrying tag.
func (c *Client) TerminateInstanceByTag(ctx context.Context, infraID, tag string) error {
	query := url.Values{"instanceTag": {tag}}
	if _, err := c.gateway.Do(ctx, http.MethodDelete, instancesPath(infraID), query, nil); err != nil {
		return fmt.Errorf("terminate instances tagged %s in %s: %w", tag, infraID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// RunScript posts script to instanceID, retrying under the script
// policy.  It returns the connector's textual result.
func (c *Client) RunScript(ctx context.Context, infraID, instanceID string, script Script) (string, error) {
	body, err := json.Marshal(script)
	if err != nil {
		return "", fmt.Errorf("encode script: %w", err)
	}

	query := url.Values{"instanceId": {instanceID}}
	var out []byte
	err = c.scriptPolicy.Do(ctx, func() error {
		data, err := c.gateway.Do(ctx, http.MethodPost, scriptsPath(infraID), query, body)
		if err != nil {
			return err
		}
		out = data
		return nil
	}, func(err error, attempt int, next time.Duration) {
		c.logger.Warn("script execution failed, retrying",
			slog.String("infrastructureID", infraID),
			slog.String("instanceID", instanceID),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", c.scriptPolicy.MaxAttempts),
			slog.Duration("retryIn", next),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return "", fmt.Errorf("run script on %s in %s: %w", instanceID, infraID, err)
	}
	return string(out), nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// IDsWithTag returns the sorted, de-duplicated ids of the instances
// tagged tag.
func IDsWithTag(instances []Instance, tag string) []string {
	var out []string
	for _, inst := range instances {
		if inst.Tag == tag && inst.ID != "" {
			out = append(out, inst.ID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func ids(instances []Instance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.ID != "" {
			out = append(out, inst.ID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Count formats n the way the connector expects numeric fields.
func Count(n int) string {
	return strconv.Itoa(n)
}

func infrastructurePath(infraID string) string {
	return "/infrastructures/" + url.PathEscape(infraID)
}

func instancesPath(infraID string) string {
	return infrastructurePath(infraID) + "/instances"
}

func scriptsPath(infraID string) string {
	return infrastructurePath(infraID) + "/instance/scripts"
}

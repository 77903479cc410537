// Package connectortest provides an in-memory connector.Gateway.
package connectortest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/terrpan/nodesource/internal/connector"
)

// Op names one connector operation.
type Op string

// Connector operations.
const (
	OpProbe      Op = "probe"
	OpRegister   Op = "register"
	OpDeregister Op = "deregister"
	OpList       Op = "list"
	OpCreate     Op = "create"
	OpTerminate  Op = "terminate"
	OpScript     Op = "script"
)

// Call is one recorded gateway call.
type Call struct {
	Op     Op
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

type failure struct {
	remaining int // < 0 means forever
	err       error
}

// Gateway simulates the connector service in memory.  It is safe for
// concurrent use.
type Gateway struct {
	mu              sync.Mutex
	calls           []Call
	infrastructures map[string]connector.Infrastructure
	instances       map[string][]connector.Instance
	failures        map[Op]*failure
	nextID          int
}

// Compile-time check.
var _ connector.Gateway = (*Gateway)(nil)

// NewGateway creates an empty fake connector.
func NewGateway() *Gateway {
	return &Gateway{
		infrastructures: make(map[string]connector.Infrastructure),
		instances:       make(map[string][]connector.Instance),
		failures:        make(map[Op]*failure),
	}
}

// Fail makes the next times calls of op return err.  A negative times
// fails forever.
func (g *Gateway) Fail(op Op, times int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = &failure{remaining: times, err: err}
}

// Seed adds instances to infraID as if created earlier.
func (g *Gateway) Seed(infraID string, instances ...connector.Instance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.instances[infraID] = append(g.instances[infraID], instances...)
}

// Calls returns the recorded calls of op, or all calls when op is empty.
func (g *Gateway) Calls(op Op) []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Call
	for _, c := range g.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns the number of recorded calls of op.
func (g *Gateway) Count(op Op) int {
	return len(g.Calls(op))
}

// Instances returns the instances currently held for infraID.
func (g *Gateway) Instances(infraID string) []connector.Instance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.instances[infraID])
}

// Infrastructure returns the registration held for id.
func (g *Gateway) Infrastructure(id string) (connector.Infrastructure, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	infra, ok := g.infrastructures[id]
	return infra, ok
}

// Do implements connector.Gateway.
func (g *Gateway) Do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	op, infraID, err := route(method, path)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, Call{
		Op:     op,
		Method: method,
		Path:   path,
		Query:  query,
		Body:   slices.Clone(body),
	})

	if f, ok := g.failures[op]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		return nil, f.err
	}

	switch op {
	case OpProbe:
		infras := make([]connector.Infrastructure, 0, len(g.infrastructures))
		for _, infra := range g.infrastructures {
			infras = append(infras, infra)
		}
		return json.Marshal(infras)

	case OpRegister:
		var infra connector.Infrastructure
		if err := json.Unmarshal(body, &infra); err != nil {
			return nil, statusError(method, path, http.StatusBadRequest)
		}
		g.infrastructures[infra.ID] = infra
		return body, nil

	case OpDeregister:
		if _, ok := g.infrastructures[infraID]; !ok {
			return nil, statusError(method, path, http.StatusNotFound)
		}
		delete(g.infrastructures, infraID)
		delete(g.instances, infraID)
		return nil, nil

	case OpList:
		list := g.instances[infraID]
		if list == nil {
			list = []connector.Instance{}
		}
		return json.Marshal(list)

	case OpCreate:
		var req connector.InstanceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, statusError(method, path, http.StatusBadRequest)
		}
		n, err := strconv.Atoi(req.Number)
		if err != nil || n < 1 {
			return nil, statusError(method, path, http.StatusBadRequest)
		}
		created := make([]connector.Instance, 0, n)
		for range n {
			g.nextID++
			created = append(created, connector.Instance{
				ID:     fmt.Sprintf("i-%d", g.nextID),
				Tag:    req.Tag,
				Image:  req.Image,
				Number: "1",
				Status: "RUNNING",
			})
		}
		g.instances[infraID] = append(g.instances[infraID], created...)
		return json.Marshal(created)

	case OpTerminate:
		id, tag := query.Get("instanceId"), query.Get("instanceTag")
		kept := g.instances[infraID][:0:0]
		removed := 0
		for _, inst := range g.instances[infraID] {
			if (id != "" && inst.ID == id) || (tag != "" && inst.Tag == tag) {
				removed++
				continue
			}
			kept = append(kept, inst)
		}
		if removed == 0 {
			return nil, statusError(method, path, http.StatusNotFound)
		}
		g.instances[infraID] = kept
		return nil, nil

	case OpScript:
		id := query.Get("instanceId")
		if !slices.ContainsFunc(g.instances[infraID], func(inst connector.Instance) bool { return inst.ID == id }) {
			return nil, statusError(method, path, http.StatusNotFound)
		}
		return []byte("ok"), nil
	}

	return nil, statusError(method, path, http.StatusNotFound)
}

func route(method, path string) (Op, string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] != "infrastructures" {
		return "", "", statusError(method, path, http.StatusNotFound)
	}

	infraID := ""
	if len(parts) > 1 {
		id, err := url.PathUnescape(parts[1])
		if err != nil {
			return "", "", statusError(method, path, http.StatusBadRequest)
		}
		infraID = id
	}

	switch {
	case len(parts) == 1 && method == http.MethodGet:
		return OpProbe, "", nil
	case len(parts) == 1 && method == http.MethodPost:
		return OpRegister, "", nil
	case len(parts) == 2 && method == http.MethodDelete:
		return OpDeregister, infraID, nil
	case len(parts) == 3 && parts[2] == "instances" && method == http.MethodGet:
		return OpList, infraID, nil
	case len(parts) == 3 && parts[2] == "instances" && method == http.MethodPost:
		return OpCreate, infraID, nil
	case len(parts) == 3 && parts[2] == "instances" && method == http.MethodDelete:
		return OpTerminate, infraID, nil
	case len(parts) == 4 && parts[2] == "instance" && parts[3] == "scripts" && method == http.MethodPost:
		return OpScript, infraID, nil
	}
	return "", "", statusError(method, path, http.StatusMethodNotAllowed)
}

func statusError(method, path string, code int) error {
	return &connector.StatusError{Method: method, URL: path, StatusCode: code}
}

// Package tree builds live instance/platform tree snapshots and resolves
// instance identifiers for the orchestrator and the control-plane API.
package tree

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/solarcloud7/clusterio-surface-export/pkg/instances"
	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

// Directory is the instance lookup surface the tree consumes. Implemented
// by instances.Registry.
type Directory interface {
	Connected() []models.Instance
	Get(id int) (models.Instance, bool)
	ResolveTarget(identifier any) *models.Instance
	ResolveName(id int) (string, bool)
}

// Tree resolves instances and assembles per-force platform snapshots.
// Snapshots are cached briefly so a burst of subscribers does not fan the
// same enumeration RPCs out repeatedly.
type Tree struct {
	dir        Directory
	rpc        instances.RPC
	rpcTimeout time.Duration
	cache      *gocache.Cache
}

// New creates a Tree. rpcTimeout bounds each per-instance enumeration call;
// cacheTTL bounds snapshot staleness.
func New(dir Directory, rpc instances.RPC, rpcTimeout, cacheTTL time.Duration) *Tree {
	return &Tree{
		dir:        dir,
		rpc:        rpc,
		rpcTimeout: rpcTimeout,
		cache:      gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// ResolveTargetInstance resolves an instance by id or name; nil when unknown
// or deleted.
func (t *Tree) ResolveTargetInstance(identifier any) *models.Instance {
	return t.dir.ResolveTarget(identifier)
}

// ResolveInstanceName returns the display name for an instance id.
func (t *Tree) ResolveInstanceName(id int) (string, bool) {
	return t.dir.ResolveName(id)
}

// Invalidate drops the cached snapshot for a force so the next BuildTree
// recomputes. Called when a broadcast is queued after a state change.
func (t *Tree) Invalidate(forceName string) {
	t.cache.Delete(forceName)
}

// BuildTree returns the per-force instance/platform snapshot. Enumeration
// RPCs fan out to all connected instances in parallel; an instance that
// fails or times out appears as disconnected with an empty platform list,
// never omitted. Total failure still yields a snapshot — never an error.
func (t *Tree) BuildTree(ctx context.Context, forceName string) models.TreeSnapshot {
	if cached, ok := t.cache.Get(forceName); ok {
		return cached.(models.TreeSnapshot)
	}

	connected := t.dir.Connected()
	results := make([]models.TreeInstance, len(connected))

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range connected {
		i, inst := i, inst
		g.Go(func() error {
			results[i] = t.enumerate(gctx, inst, forceName)
			return nil
		})
	}
	_ = g.Wait() // per-instance failures are reflected in entries, never returned

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	snapshot := models.TreeSnapshot{
		ForceName:   forceName,
		Instances:   results,
		GeneratedAt: time.Now().UnixMilli(),
	}
	t.cache.SetDefault(forceName, snapshot)
	return snapshot
}

// enumerate lists one instance's platforms, degrading to a disconnected
// entry on any failure.
func (t *Tree) enumerate(ctx context.Context, inst models.Instance, forceName string) models.TreeInstance {
	rpcCtx, cancel := context.WithTimeout(ctx, t.rpcTimeout)
	defer cancel()

	data, err := t.rpc.Request(rpcCtx, inst.ID, instances.MsgInstanceListPlatform,
		instances.ListPlatformsRequest{ForceName: forceName})
	if err != nil {
		slog.Warn("Platform enumeration failed, marking disconnected in snapshot",
			"instance_id", inst.ID, "instance_name", inst.Name, "error", err)
		return models.TreeInstance{
			ID:        inst.ID,
			Name:      inst.Name,
			Status:    models.InstanceDisconnected,
			Platforms: []models.PlatformInfo{},
		}
	}

	var platforms []models.PlatformInfo
	if err := json.Unmarshal(data, &platforms); err != nil {
		slog.Warn("Malformed platform list",
			"instance_id", inst.ID, "error", err)
		platforms = nil
	}
	if platforms == nil {
		platforms = []models.PlatformInfo{}
	}
	return models.TreeInstance{
		ID:        inst.ID,
		Name:      inst.Name,
		Status:    models.InstanceConnected,
		Platforms: platforms,
	}
}

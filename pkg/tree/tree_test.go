package tree

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

type fakeDirectory struct {
	list []models.Instance
}

func (d *fakeDirectory) Connected() []models.Instance {
	var out []models.Instance
	for _, inst := range d.list {
		if inst.Status == models.InstanceConnected {
			out = append(out, inst)
		}
	}
	return out
}

func (d *fakeDirectory) Get(id int) (models.Instance, bool) {
	for _, inst := range d.list {
		if inst.ID == id {
			return inst, true
		}
	}
	return models.Instance{}, false
}

func (d *fakeDirectory) ResolveTarget(identifier any) *models.Instance {
	for _, inst := range d.list {
		if inst.Status == models.InstanceDeleted {
			continue
		}
		switch v := identifier.(type) {
		case int:
			if inst.ID == v {
				return &inst
			}
		case string:
			if inst.Name == v {
				return &inst
			}
		}
	}
	return nil
}

func (d *fakeDirectory) ResolveName(id int) (string, bool) {
	inst, ok := d.Get(id)
	return inst.Name, ok
}

// fakeRPC answers list-platforms requests per instance; nil entry means the
// RPC fails for that instance.
type fakeRPC struct {
	mu        sync.Mutex
	platforms map[int][]models.PlatformInfo
	calls     int
}

func (r *fakeRPC) Request(ctx context.Context, instanceID int, msgType string, payload any) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls++
	list, ok := r.platforms[instanceID]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("instance timed out")
	}
	return json.Marshal(list)
}

func (r *fakeRPC) Notify(instanceID int, msgType string, payload any) error { return nil }

func (r *fakeRPC) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestBuildTree(t *testing.T) {
	dir := &fakeDirectory{list: []models.Instance{
		{ID: 2, Name: "beta", Status: models.InstanceConnected},
		{ID: 1, Name: "alpha", Status: models.InstanceConnected},
		{ID: 3, Name: "gamma", Status: models.InstanceDisconnected},
	}}
	rpc := &fakeRPC{platforms: map[int][]models.PlatformInfo{
		1: {{PlatformIndex: 1, PlatformName: "Vulcanus Express"}},
		// instance 2 fails
	}}
	tr := New(dir, rpc, 100*time.Millisecond, 10*time.Millisecond)

	snap := tr.BuildTree(context.Background(), "player")

	require.Len(t, snap.Instances, 2, "only connected instances are enumerated")
	assert.Equal(t, "player", snap.ForceName)

	t.Run("sorted by id", func(t *testing.T) {
		assert.Equal(t, 1, snap.Instances[0].ID)
		assert.Equal(t, 2, snap.Instances[1].ID)
	})

	t.Run("responding instance carries platforms", func(t *testing.T) {
		require.Len(t, snap.Instances[0].Platforms, 1)
		assert.Equal(t, "Vulcanus Express", snap.Instances[0].Platforms[0].PlatformName)
		assert.Equal(t, models.InstanceConnected, snap.Instances[0].Status)
	})

	t.Run("failing instance present as disconnected, never omitted", func(t *testing.T) {
		assert.Equal(t, models.InstanceDisconnected, snap.Instances[1].Status)
		assert.Empty(t, snap.Instances[1].Platforms)
	})
}

func TestBuildTree_NoInstances(t *testing.T) {
	tr := New(&fakeDirectory{}, &fakeRPC{}, time.Second, time.Millisecond)
	snap := tr.BuildTree(context.Background(), "player")
	assert.Empty(t, snap.Instances)
	assert.Equal(t, "player", snap.ForceName)
}

func TestBuildTree_CacheAndInvalidate(t *testing.T) {
	dir := &fakeDirectory{list: []models.Instance{
		{ID: 1, Name: "alpha", Status: models.InstanceConnected},
	}}
	rpc := &fakeRPC{platforms: map[int][]models.PlatformInfo{1: {}}}
	tr := New(dir, rpc, time.Second, time.Minute)

	tr.BuildTree(context.Background(), "player")
	tr.BuildTree(context.Background(), "player")
	assert.Equal(t, 1, rpc.callCount(), "second build served from cache")

	tr.BuildTree(context.Background(), "enemy")
	assert.Equal(t, 2, rpc.callCount(), "forces cache independently")

	tr.Invalidate("player")
	tr.BuildTree(context.Background(), "player")
	assert.Equal(t, 3, rpc.callCount(), "invalidate forces recompute")
}

func TestPlatformInfo_ForwardCompatibleJSON(t *testing.T) {
	raw := `{"platformIndex":2,"platformName":"Hauler","speed":120,"paused":false}`
	var p models.PlatformInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, 2, p.PlatformIndex)
	assert.Equal(t, float64(120), p.Extra["speed"])

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

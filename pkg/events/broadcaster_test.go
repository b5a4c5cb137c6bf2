package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

type countingTree struct {
	mu     sync.Mutex
	builds map[string]int
}

func (c *countingTree) BuildTree(ctx context.Context, forceName string) models.TreeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.builds == nil {
		c.builds = make(map[string]int)
	}
	c.builds[forceName]++
	return models.TreeSnapshot{ForceName: forceName, GeneratedAt: time.Now().UnixMilli()}
}

func (c *countingTree) Invalidate(forceName string) {}

func (c *countingTree) buildCount(forceName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds[forceName]
}

func TestBroadcaster_QueueTreeBroadcastCoalesces(t *testing.T) {
	tree := &countingTree{}
	b := NewBroadcaster(NewConnectionManager(time.Second), tree, 30*time.Millisecond)

	// A burst of queue requests within the window yields one build.
	for i := 0; i < 10; i++ {
		b.QueueTreeBroadcast("player")
	}
	require.Eventually(t, func() bool {
		return tree.buildCount("player") == 1
	}, time.Second, 5*time.Millisecond)

	// Frozen after the window: no extra builds sneak in.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, tree.buildCount("player"))

	// A new request after the window fires again.
	b.QueueTreeBroadcast("player")
	require.Eventually(t, func() bool {
		return tree.buildCount("player") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_ForcesAreIndependent(t *testing.T) {
	tree := &countingTree{}
	b := NewBroadcaster(NewConnectionManager(time.Second), tree, 20*time.Millisecond)

	b.QueueTreeBroadcast("player")
	b.QueueTreeBroadcast("enemy")

	require.Eventually(t, func() bool {
		return tree.buildCount("player") == 1 && tree.buildCount("enemy") == 1
	}, time.Second, 5*time.Millisecond)
}

type fakeSource struct {
	transfers map[string]models.Transfer
	logs      map[string][]models.LogEvent
}

func (s *fakeSource) TransferSnapshot(id string) (models.Transfer, bool) {
	t, ok := s.transfers[id]
	return t, ok
}

func (s *fakeSource) LogEvents(id string) []models.LogEvent {
	return s.logs[id]
}

func TestBroadcaster_InitialFrames(t *testing.T) {
	tree := &countingTree{}
	b := NewBroadcaster(NewConnectionManager(time.Second), tree, time.Millisecond)
	b.SetStateSource(&fakeSource{
		transfers: map[string]models.Transfer{
			"t1": {TransferID: "t1", Status: models.StatusTransporting},
		},
		logs: map[string][]models.LogEvent{
			"t1": {{EventType: models.EventTransferCreated}},
		},
	})

	t.Run("tree channel gets a snapshot", func(t *testing.T) {
		frames := b.initialFrames(TreeChannel("player"))
		require.Len(t, frames, 1)
		assert.Contains(t, string(frames[0]), TypeTreeUpdate)
	})

	t.Run("transfer channel gets current state", func(t *testing.T) {
		frames := b.initialFrames(TransferChannel("t1"))
		require.Len(t, frames, 1)
		assert.Contains(t, string(frames[0]), "transporting")
	})

	t.Run("unknown transfer yields nothing", func(t *testing.T) {
		assert.Nil(t, b.initialFrames(TransferChannel("nope")))
	})

	t.Run("log channel batches accumulated events", func(t *testing.T) {
		frames := b.initialFrames(LogChannel("t1"))
		require.Len(t, frames, 1)
		assert.Contains(t, string(frames[0]), models.EventTransferCreated)
	})

	t.Run("empty log yields nothing", func(t *testing.T) {
		assert.Nil(t, b.initialFrames(LogChannel("t2")))
	})
}

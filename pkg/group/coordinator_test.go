package group

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fixedPartitions int

func (f fixedPartitions) Partitions(topic string) int { return int(f) }

func newTestCoordinator(partitions int) *Coordinator {
	return NewCoordinator(fixedPartitions(partitions), 30*time.Second, zerolog.Nop())
}

// collectAssignments gathers topic partitions per member and asserts the
// mutual-exclusion invariant: every partition assigned to exactly one member.
func collectAssignments(t *testing.T, c *Coordinator, groupID, topic string, consumerIDs []string, total int) map[string][]int {
	t.Helper()
	seen := make(map[int]string)
	out := make(map[string][]int)
	for _, id := range consumerIDs {
		assigned, _, err := c.Assignments(groupID, id)
		assert.NoError(t, err)
		for _, p := range assigned[topic] {
			owner, taken := seen[p]
			assert.False(t, taken, "partition %d assigned to both %s and %s", p, owner, id)
			seen[p] = id
		}
		out[id] = assigned[topic]
	}
	assert.Len(t, seen, total, "every partition must be assigned")
	return out
}

func TestJoin_SingleConsumerGetsAllPartitions(t *testing.T) {
	c := newTestCoordinator(4)

	c.Join("g1", "c1", []string{"orders"})

	assigned, generation, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), generation)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, assigned["orders"])
}

func TestJoin_ThirdConsumerTriggersNearEvenSplit(t *testing.T) {
	c := newTestCoordinator(4)

	c.Join("g1", "c1", []string{"orders"})
	c.Join("g1", "c2", []string{"orders"})

	byMember := collectAssignments(t, c, "g1", "orders", []string{"c1", "c2"}, 4)
	assert.Len(t, byMember["c1"], 2)
	assert.Len(t, byMember["c2"], 2)

	c.Join("g1", "c3", []string{"orders"})

	byMember = collectAssignments(t, c, "g1", "orders", []string{"c1", "c2", "c3"}, 4)
	counts := []int{len(byMember["c1"]), len(byMember["c2"]), len(byMember["c3"])}
	for _, n := range counts {
		assert.GreaterOrEqual(t, n, 1)
		assert.LessOrEqual(t, n, 2)
	}
	assert.Equal(t, 4, counts[0]+counts[1]+counts[2])
}

func TestLeave_RedistributesToSurvivors(t *testing.T) {
	c := newTestCoordinator(4)

	c.Join("g1", "c1", []string{"orders"})
	c.Join("g1", "c2", []string{"orders"})
	_, generationBefore, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)

	c.Leave("g1", "c2")

	assigned, generationAfter, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)
	assert.Greater(t, generationAfter, generationBefore)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, assigned["orders"])

	_, _, err = c.Assignments("g1", "c2")
	assert.ErrorIs(t, err, ErrUnknownConsumer)
}

func TestAssignments_StableBetweenRebalances(t *testing.T) {
	c := newTestCoordinator(8)

	c.Join("g1", "c1", []string{"orders"})
	c.Join("g1", "c2", []string{"orders"})

	first, gen1, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)

	// Heartbeats do not change the mapping.
	assert.NoError(t, c.Heartbeat("g1", "c1"))
	assert.NoError(t, c.Heartbeat("g1", "c2"))

	second, gen2, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)
	assert.Equal(t, gen1, gen2)
	assert.Equal(t, first, second)
}

func TestHeartbeatTimeout_RevokesAssignments(t *testing.T) {
	c := newTestCoordinator(4)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Join("g1", "c1", []string{"orders"})
	c.Join("g1", "c2", []string{"orders"})

	// c2 stops heartbeating; c1 keeps its session alive.
	c.now = func() time.Time { return base.Add(20 * time.Second) }
	assert.NoError(t, c.Heartbeat("g1", "c1"))

	c.now = func() time.Time { return base.Add(40 * time.Second) }
	expired := c.ExpireDead()
	assert.Equal(t, 1, expired)

	assigned, _, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, assigned["orders"])

	assert.ErrorIs(t, c.Heartbeat("g1", "c2"), ErrUnknownConsumer)
}

func TestHeartbeat_UnknownGroup(t *testing.T) {
	c := newTestCoordinator(4)
	assert.ErrorIs(t, c.Heartbeat("nope", "c1"), ErrUnknownConsumer)
}

func TestJoin_SeparateTopicsSeparateSubscribers(t *testing.T) {
	c := newTestCoordinator(2)

	c.Join("g1", "c1", []string{"orders"})
	c.Join("g1", "c2", []string{"payments"})

	ordersAssigned, _, err := c.Assignments("g1", "c1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1}, ordersAssigned["orders"])
	assert.Empty(t, ordersAssigned["payments"])

	paymentsAssigned, _, err := c.Assignments("g1", "c2")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1}, paymentsAssigned["payments"])
}

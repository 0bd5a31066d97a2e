package group

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater-io/changeflow/pkg/metrics"
)

// ErrUnknownConsumer is returned by Heartbeat and Assignments when the
// consumer is not a live member, typically because its session timed out and
// its partitions were revoked. The consumer must rejoin.
var ErrUnknownConsumer = errors.New("group: unknown consumer")

// PartitionCounter reports how many partitions a topic has. The event log
// implements it.
type PartitionCounter interface {
	Partitions(topic string) int
}

// Coordinator tracks group membership and assigns partitions to consumers.
// Each partition of a subscribed topic maps to exactly one live member;
// the mapping only changes on join, leave or session timeout.
type Coordinator struct {
	mu             sync.Mutex
	partitions     PartitionCounter
	sessionTimeout time.Duration
	logger         zerolog.Logger
	groups         map[string]*groupState
	now            func() time.Time
}

type groupState struct {
	generation  int64
	members     map[string]*member
	assignments map[string]map[string][]int // consumerID -> topic -> partitions
}

type member struct {
	topics        []string
	lastHeartbeat time.Time
}

func NewCoordinator(partitions PartitionCounter, sessionTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Second
	}
	return &Coordinator{
		partitions:     partitions,
		sessionTimeout: sessionTimeout,
		logger:         logger.With().Str("component", "coordinator").Logger(),
		groups:         make(map[string]*groupState),
		now:            time.Now,
	}
}

// Join adds the consumer to the group, triggers a rebalance and returns the
// new generation. Joining twice is treated as a subscription update.
func (c *Coordinator) Join(groupID, consumerID string, topics []string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		g = &groupState{members: make(map[string]*member)}
		c.groups[groupID] = g
	}
	g.members[consumerID] = &member{topics: topics, lastHeartbeat: c.now()}
	c.rebalance(groupID, g)
	c.logger.Info().Str("group", groupID).Str("consumer", consumerID).
		Int64("generation", g.generation).Msg("consumer joined")
	return g.generation
}

// Leave removes the consumer and rebalances immediately; this is the graceful
// shutdown path, as opposed to the session timeout path.
func (c *Coordinator) Leave(groupID, consumerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return
	}
	if _, ok := g.members[consumerID]; !ok {
		return
	}
	delete(g.members, consumerID)
	c.rebalance(groupID, g)
	c.logger.Info().Str("group", groupID).Str("consumer", consumerID).
		Int64("generation", g.generation).Msg("consumer left")
}

// Heartbeat refreshes the consumer's session.
func (c *Coordinator) Heartbeat(groupID, consumerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return ErrUnknownConsumer
	}
	m, ok := g.members[consumerID]
	if !ok {
		return ErrUnknownConsumer
	}
	m.lastHeartbeat = c.now()
	return nil
}

// Assignments returns the consumer's current topic->partitions mapping along
// with the group generation it belongs to.
func (c *Coordinator) Assignments(groupID, consumerID string) (map[string][]int, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		return nil, 0, ErrUnknownConsumer
	}
	assigned, ok := g.assignments[consumerID]
	if !ok {
		if _, isMember := g.members[consumerID]; !isMember {
			return nil, 0, ErrUnknownConsumer
		}
		return map[string][]int{}, g.generation, nil
	}

	out := make(map[string][]int, len(assigned))
	for topic, parts := range assigned {
		out[topic] = append([]int(nil), parts...)
	}
	return out, g.generation, nil
}

// ExpireDead revokes assignments of members whose session timed out and
// returns how many were removed.
func (c *Coordinator) ExpireDead() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := c.now().Add(-c.sessionTimeout)
	expired := 0
	for groupID, g := range c.groups {
		var dead []string
		for id, m := range g.members {
			if m.lastHeartbeat.Before(deadline) {
				dead = append(dead, id)
			}
		}
		if len(dead) == 0 {
			continue
		}
		for _, id := range dead {
			delete(g.members, id)
			c.logger.Warn().Str("group", groupID).Str("consumer", id).
				Msg("session timed out, revoking assignments")
		}
		c.rebalance(groupID, g)
		expired += len(dead)
	}
	return expired
}

// Run expires dead members periodically until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireDead()
		}
	}
}

// rebalance redistributes partitions with a range strategy: members sorted by
// id, contiguous partition blocks, first members take the remainder. Caller
// holds the lock.
func (c *Coordinator) rebalance(groupID string, g *groupState) {
	g.generation++
	g.assignments = make(map[string]map[string][]int, len(g.members))
	metrics.IncRebalance(groupID)

	subscribers := make(map[string][]string) // topic -> sorted member ids
	for id, m := range g.members {
		for _, topic := range m.topics {
			subscribers[topic] = append(subscribers[topic], id)
		}
	}

	for topic, ids := range subscribers {
		sort.Strings(ids)
		total := c.partitions.Partitions(topic)
		base := total / len(ids)
		extra := total % len(ids)

		next := 0
		for i, id := range ids {
			count := base
			if i < extra {
				count++
			}
			if count == 0 {
				continue
			}
			if g.assignments[id] == nil {
				g.assignments[id] = make(map[string][]int)
			}
			for p := next; p < next+count; p++ {
				g.assignments[id][topic] = append(g.assignments[id][topic], p)
			}
			next += count
		}
	}
}

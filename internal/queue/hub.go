package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tambl2004/hospital-queue-online-sub000/pkg/logger"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/monitoring"
	"github.com/tambl2004/hospital-queue-online-sub000/pkg/types"
)

// subscriptionBuffer is the per-member channel depth. A member that cannot
// drain fast enough loses intermediate snapshots, never blocks the sender;
// the next broadcast carries the full state anyway.
const subscriptionBuffer = 8

// relayChannelPrefix namespaces the Redis pub/sub channels used to relay
// snapshots between process instances.
const relayChannelPrefix = "queue.room."

type roomKey struct {
	doctorID string
	day      string
}

// Subscription is one viewer's membership in a queue room. Snapshots arrive
// on C; Close leaves the room and is idempotent.
type Subscription struct {
	DoctorID string
	Day      string
	C        chan *types.QueueSnapshot

	hub    *Hub
	closed bool
}

// Close removes the subscription from its room
func (s *Subscription) Close() {
	s.hub.Leave(s)
}

// relayEnvelope wraps a snapshot published through Redis so the origin
// instance can drop its own messages when they loop back.
type relayEnvelope struct {
	InstanceID string               `json:"instance_id"`
	Snapshot   *types.QueueSnapshot `json:"snapshot"`
}

// Hub is the registry of queue rooms: one room per (doctor, day), created on
// first join and removed when its last member leaves. Join/Leave are the
// only mutators of the membership table; Broadcast only reads it. When a
// Redis client is configured, broadcasts are also relayed to other process
// instances hosting members of the same room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[roomKey]map[*Subscription]struct{}

	instanceID string
	relay      *redis.Client
	logger     *logger.Logger
	metrics    *monitoring.MetricsCollector
}

// NewHub creates a new room hub. relay may be nil for single-instance
// deployments.
func NewHub(relay *redis.Client, log *logger.Logger, metrics *monitoring.MetricsCollector) *Hub {
	return &Hub{
		rooms:      make(map[roomKey]map[*Subscription]struct{}),
		instanceID: uuid.New().String(),
		relay:      relay,
		logger:     log,
		metrics:    metrics,
	}
}

// Join registers a new member in the (doctor, day) room, creating the room
// if it does not exist yet
func (h *Hub) Join(doctorID, day string) *Subscription {
	sub := &Subscription{
		DoctorID: doctorID,
		Day:      day,
		C:        make(chan *types.QueueSnapshot, subscriptionBuffer),
		hub:      h,
	}

	key := roomKey{doctorID: doctorID, day: day}

	h.mu.Lock()
	room, ok := h.rooms[key]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[key] = room
	}
	room[sub] = struct{}{}
	members := h.memberCountLocked()
	h.mu.Unlock()

	h.metrics.RecordRoomMembers(members)
	h.logger.WithRoom(doctorID, day).Debugf("Viewer joined room (%d members total)", members)
	return sub
}

// Leave removes a member and tears down the room when it becomes empty.
// Idempotent.
func (h *Hub) Leave(sub *Subscription) {
	key := roomKey{doctorID: sub.DoctorID, day: sub.Day}

	h.mu.Lock()
	if sub.closed {
		h.mu.Unlock()
		return
	}
	sub.closed = true

	if room, ok := h.rooms[key]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, key)
		}
	}
	close(sub.C)
	members := h.memberCountLocked()
	h.mu.Unlock()

	h.metrics.RecordRoomMembers(members)
	h.logger.WithRoom(sub.DoctorID, sub.Day).Debug("Viewer left room")
}

// Broadcast fans a snapshot out to every member of its room and relays it
// to other instances. Fire-and-forget: a slow member drops snapshots rather
// than blocking the mutation path.
func (h *Hub) Broadcast(snap *types.QueueSnapshot) {
	h.deliver(snap, "local")

	if h.relay != nil {
		h.publishRelay(snap)
	}
}

// deliver fans a snapshot out to local room members only
func (h *Hub) deliver(snap *types.QueueSnapshot, origin string) {
	key := roomKey{doctorID: snap.DoctorID, day: snap.Day}

	// Sends happen under the read lock so Leave cannot close a channel
	// mid-delivery; they are non-blocking, so the lock is held briefly.
	h.mu.RLock()
	room := h.rooms[key]
	delivered := len(room) > 0
	for sub := range room {
		select {
		case sub.C <- snap:
		default:
			h.logger.WithRoom(snap.DoctorID, snap.Day).Warn("Dropping snapshot for slow room member")
		}
	}
	h.mu.RUnlock()

	if delivered {
		h.metrics.RecordBroadcast(origin)
	}
}

// publishRelay forwards a snapshot to the room's Redis channel
func (h *Hub) publishRelay(snap *types.QueueSnapshot) {
	payload, err := json.Marshal(&relayEnvelope{
		InstanceID: h.instanceID,
		Snapshot:   snap,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal relay envelope")
		return
	}

	channel := relayChannel(snap.DoctorID, snap.Day)
	if err := h.relay.Publish(context.Background(), channel, payload).Err(); err != nil {
		h.logger.WithError(err).Warnf("Failed to relay broadcast on %s", channel)
	}
}

// Run consumes relayed broadcasts from other instances until ctx is
// cancelled. No-op when no relay is configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}

	pubsub := h.relay.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()

	relayLog := h.logger.WithComponent("relay")
	relayLog.Info("Broadcast relay subscription started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				relayLog.WithError(err).Warn("Dropping malformed relay message")
				continue
			}
			if env.InstanceID == h.instanceID || env.Snapshot == nil {
				continue
			}

			h.deliver(env.Snapshot, "relay")
		}
	}
}

// MemberCount returns the number of subscribers across all rooms
func (h *Hub) MemberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.memberCountLocked()
}

// memberCountLocked must be called with h.mu held
func (h *Hub) memberCountLocked() int {
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}

// relayChannel names the Redis channel for one room
func relayChannel(doctorID, day string) string {
	return fmt.Sprintf("%s%s.%s", relayChannelPrefix, doctorID, day)
}

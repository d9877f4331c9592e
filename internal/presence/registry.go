package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Mirror publishes presence to shared storage so other nodes can see it.
type Mirror interface {
	SetPresence(ctx context.Context, userID string, ttl time.Duration) error
	ClearPresence(ctx context.Context, userID string) error
}

// ChangeFunc observes users going online and (after the grace period) offline.
type ChangeFunc func(userID string, online bool)

// Registry maps user ids to their open signaling connections.
//
// A user whose last connection closes is kept "reconnecting" for the grace
// period; only when it expires without a new connection is the offline change
// reported. IsOnline reflects open connections only.
type Registry struct {
	log       *slog.Logger
	mirror    Mirror
	grace     time.Duration
	mirrorTTL time.Duration

	mu        sync.Mutex
	users     map[string]map[string]Conn
	graceTmr  map[string]*time.Timer
	listeners []ChangeFunc
}

// NewRegistry creates a registry. mirror may be nil.
func NewRegistry(log *slog.Logger, mirror Mirror, grace, pingInterval time.Duration) *Registry {
	return &Registry{
		log:       log.With("component", "presence"),
		mirror:    mirror,
		grace:     grace,
		mirrorTTL: 2 * pingInterval,
		users:     make(map[string]map[string]Conn),
		graceTmr:  make(map[string]*time.Timer),
	}
}

// OnChange registers fn for online/offline changes. Not safe after traffic starts.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.listeners = append(r.listeners, fn)
}

// Attach registers c for its user and reports whether the user came online.
// A reconnect inside the grace period cancels the pending offline change and
// does not count as coming online.
func (r *Registry) Attach(c Conn) bool {
	userID := c.UserID()

	r.mu.Lock()
	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]Conn)
		r.users[userID] = conns
	}
	conns[c.ID()] = c
	cameOnline := len(conns) == 1
	if t, pending := r.graceTmr[userID]; pending {
		t.Stop()
		delete(r.graceTmr, userID)
		cameOnline = false
	}
	r.mu.Unlock()

	r.mirrorSet(userID)
	if cameOnline {
		r.log.Info("user online", "user_id", userID)
		r.emit(userID, true)
	}
	return cameOnline
}

// Detach removes c. When it was the user's last connection the grace timer starts.
func (r *Registry) Detach(c Conn) {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return
	}
	if _, ok := conns[c.ID()]; !ok {
		return
	}
	delete(conns, c.ID())
	if len(conns) > 0 {
		return
	}
	delete(r.users, userID)
	if _, pending := r.graceTmr[userID]; pending {
		return
	}
	r.graceTmr[userID] = time.AfterFunc(r.grace, func() { r.expire(userID) })
}

func (r *Registry) expire(userID string) {
	r.mu.Lock()
	if _, pending := r.graceTmr[userID]; !pending {
		r.mu.Unlock()
		return
	}
	delete(r.graceTmr, userID)
	if len(r.users[userID]) > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := r.mirror.ClearPresence(ctx, userID); err != nil {
			r.log.Warn("presence mirror clear failed", "user_id", userID, "err", err)
		}
		cancel()
	}
	r.log.Info("user offline", "user_id", userID)
	r.emit(userID, false)
}

// Touch refreshes the shared presence entry on heartbeat.
func (r *Registry) Touch(userID string) {
	r.mirrorSet(userID)
}

// IsOnline is true iff the user has at least one open connection on this node.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Connections returns a snapshot of the user's connections ordered by id.
func (r *Registry) Connections(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// OnlineCount returns how many users currently have a connection.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// FanoutToUser sends f to every connection of the user and returns how many
// accepted it. Per-connection failures are swallowed.
func (r *Registry) FanoutToUser(userID string, f Frame) int {
	conns := r.Connections(userID)
	if len(conns) == 0 {
		return 0
	}
	b, err := Encode(f)
	if err != nil {
		r.log.Error("presence fanout marshal failed", "event", f.Event, "err", err)
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if c.Send(b) {
			delivered++
		}
	}
	if delivered == 0 {
		r.log.Warn("fanout reached no connection", "user_id", userID, "event", f.Event, "conns", len(conns))
	}
	return delivered
}

// Close stops pending grace timers without emitting offline changes.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.graceTmr {
		t.Stop()
		delete(r.graceTmr, id)
	}
}

func (r *Registry) mirrorSet(userID string) {
	if r.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.mirror.SetPresence(ctx, userID, r.mirrorTTL); err != nil {
		r.log.Warn("presence mirror update failed", "user_id", userID, "err", err)
	}
}

func (r *Registry) emit(userID string, online bool) {
	for _, fn := range r.listeners {
		fn(userID, online)
	}
}

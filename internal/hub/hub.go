// Package hub owns the authoritative username to session mapping and
// everything routed through it: broadcast fan-out, direct messages,
// statuses, kicks and the ban list. All mutations happen under one
// lock; sessions never talk to each other directly, only through their
// hub-owned outbound queues.
package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"boltalka/internal/wire"
)

const (
	// SubscriberBuffer bounds each member's outbound queue.
	SubscriberBuffer = 256
	// suffixAttempts bounds collision renaming before giving up.
	suffixAttempts = 5
	// backpressureEvery throttles synthetic Backpressure errors per member.
	backpressureEvery = time.Second
)

var (
	ErrNameUnavailable = errors.New("username unavailable")
	ErrBanned          = errors.New("username is banned")
	ErrNoSuchUser      = errors.New("no such user")
	ErrNameTaken       = errors.New("username already taken")
)

// Hooks are callbacks a session registers on join so the hub can drive
// it asynchronously. Both are invoked outside the hub lock.
type Hooks struct {
	// Kick transitions the session to Draining with the given reason.
	Kick func(reason string)
	// Rename informs the session of its server-issued name change.
	Rename func(newName string)
}

type member struct {
	name  string
	out   chan wire.Message
	hooks Hooks

	// dropMu guards backpressure bookkeeping; the hub lock is only
	// held read-side during delivery.
	dropMu   sync.Mutex
	lastDrop time.Time
}

type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	banned  map[string]bool
	// statuses outlives membership so a dropped client reconnecting
	// under the same name gets its status back.
	statuses map[string]string

	now func() time.Time
}

func New() *Hub {
	return &Hub{
		members:  make(map[string]*member),
		banned:   make(map[string]bool),
		statuses: make(map[string]string),
		now:      time.Now,
	}
}

// Join installs a roster entry and returns the assigned name (suffixed
// on collision) together with the member's outbound queue. The queue is
// closed by Leave; the session's write pump treats that as end-of-stream.
func (h *Hub) Join(name string, hooks Hooks) (string, <-chan wire.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.banned[name] {
		return "", nil, ErrBanned
	}

	assigned := name
	if _, taken := h.members[assigned]; taken {
		assigned = ""
		for i := 0; i < suffixAttempts; i++ {
			candidate := fmt.Sprintf("%s_%04d", name, 1000+rand.IntN(9000))
			if _, taken := h.members[candidate]; !taken {
				assigned = candidate
				break
			}
		}
		if assigned == "" {
			return "", nil, ErrNameUnavailable
		}
		slog.Info("username taken, assigned suffix", "requested", name, "assigned", assigned)
	}

	m := &member{
		name:  assigned,
		out:   make(chan wire.Message, SubscriberBuffer),
		hooks: hooks,
	}
	h.members[assigned] = m
	return assigned, m.out, nil
}

// Leave removes the roster entry and closes the outbound queue. It is
// idempotent. The status survives a plain drop but is cleared on
// quit, kick and ban.
func (h *Hub) Leave(name, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[name]
	if !ok {
		return
	}
	delete(h.members, name)
	if reason != wire.ReasonDrop {
		delete(h.statuses, name)
	}
	close(m.out)
}

// Lookup reports whether name has a roster entry.
func (h *Hub) Lookup(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.members[name]
	return ok
}

// List returns the current roster, alphabetically sorted.
func (h *Hub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.members))
	for name := range h.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast delivers msg to every member, the publisher included.
// It never blocks: a member with a full queue loses its oldest
// undelivered event and gets a Backpressure error instead.
func (h *Hub) Broadcast(msg wire.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, m := range h.members {
		h.deliver(m, msg)
	}
}

// SendTo delivers msg to one member's queue.
func (h *Hub) SendTo(name string, msg wire.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m, ok := h.members[name]
	if !ok {
		return ErrNoSuchUser
	}
	h.deliver(m, msg)
	return nil
}

// DM routes one direct message. Content is never logged.
func (h *Hub) DM(sender, recipient, content string) error {
	err := h.SendTo(recipient, wire.Message{
		Kind:      wire.KindDM,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	})
	if err != nil {
		slog.Warn("dm to unknown user", "sender", sender, "recipient", recipient)
		return err
	}
	slog.Info("dm routed", "sender", sender, "recipient", recipient, "length", len(content))
	return nil
}

func (h *Hub) deliver(m *member, msg wire.Message) {
	select {
	case m.out <- msg:
		return
	default:
	}

	// Queue full: the oldest undelivered event is dropped so newer
	// ones win, and the loss is made visible to the session with a
	// Backpressure error, at most once per second.
	m.dropMu.Lock()
	now := h.now()
	warn := now.Sub(m.lastDrop) >= backpressureEvery
	if warn {
		m.lastDrop = now
	}
	m.dropMu.Unlock()

	if warn {
		slog.Warn("subscriber queue overflow", "user", m.name)
		forceEnqueue(m.out, wire.Err(wire.CodeBackpressure, "events dropped: slow consumer"))
	}
	forceEnqueue(m.out, msg)
}

// forceEnqueue makes room by evicting the oldest entry when the queue
// is full. It never blocks.
func forceEnqueue(out chan wire.Message, msg wire.Message) {
	select {
	case out <- msg:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- msg:
	default:
	}
}

// Rename moves a roster entry to a new name. Server-issued only.
func (h *Hub) Rename(oldName, newName string) error {
	if !wire.ValidUsername(newName) {
		return ErrNameUnavailable
	}

	h.mu.Lock()
	m, ok := h.members[oldName]
	if !ok {
		h.mu.Unlock()
		return ErrNoSuchUser
	}
	if _, taken := h.members[newName]; taken {
		h.mu.Unlock()
		return ErrNameTaken
	}
	delete(h.members, oldName)
	m.name = newName
	h.members[newName] = m
	if status, ok := h.statuses[oldName]; ok {
		delete(h.statuses, oldName)
		h.statuses[newName] = status
	}
	rename := m.hooks.Rename
	h.mu.Unlock()

	if rename != nil {
		rename(newName)
	}
	h.Broadcast(wire.Message{Kind: wire.KindRename, OldName: oldName, NewName: newName})
	slog.Info("user renamed", "old", oldName, "new", newName)
	return nil
}

// Kick asynchronously transitions the target session to Draining.
func (h *Hub) Kick(name, reason string) error {
	h.mu.RLock()
	m, ok := h.members[name]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSuchUser
	}

	_ = h.SendTo(name, wire.Message{Kind: wire.KindKick, Target: name, Reason: reason})
	if m.hooks.Kick != nil {
		go m.hooks.Kick(reason)
	}
	slog.Warn("kicking user", "user", name, "reason", reason)
	return nil
}

// Ban flags the name for the process lifetime and kicks it if online.
func (h *Hub) Ban(name string) error {
	h.mu.Lock()
	h.banned[name] = true
	h.mu.Unlock()

	if err := h.Kick(name, wire.ReasonBan); err != nil && !errors.Is(err, ErrNoSuchUser) {
		return err
	}
	return nil
}

func (h *Hub) Banned(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.banned[name]
}

func (h *Hub) BanList() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.banned))
	for name := range h.banned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetStatus records the status text; empty clears it.
func (h *Hub) SetStatus(name, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if text == "" {
		delete(h.statuses, name)
		return
	}
	h.statuses[name] = text
}

func (h *Hub) Status(name string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statuses[name]
}

// CloseAll kicks every member; used for graceful shutdown.
func (h *Hub) CloseAll(reason string) {
	for _, name := range h.List() {
		_ = h.Kick(name, reason)
	}
}

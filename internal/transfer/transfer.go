// Package transfer coordinates file relays between two sessions. The
// server never stores file bytes: each chunk is forwarded as it
// arrives, and per-ticket accounting bounds memory to one chunk in
// flight per transfer.
package transfer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"boltalka/internal/wire"
)

// DecisionTimeout bounds how long a recipient may sit on an offer.
const DecisionTimeout = 60 * time.Second

var (
	ErrNoSuchUser   = errors.New("recipient not connected")
	ErrSelfTransfer = errors.New("cannot send a file to yourself")
	ErrFileTooLarge = errors.New("file exceeds maximum size")
	ErrNoTicket     = errors.New("no matching transfer")
	ErrSizeOverrun  = errors.New("transfer exceeded the offered size")
)

type State int

const (
	StateOffered State = iota
	StateStreaming
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// Ticket tracks one in-flight transfer. Each ticket has its own lock;
// the shared map only guards membership.
type Ticket struct {
	mu sync.Mutex

	ID        string
	Sender    string
	Recipient string
	Filename  string
	Size      uint64
	CreatedAt time.Time

	State        State
	BytesRelayed uint64
	nextSeq      uint64
	sniffed      bool

	timer *time.Timer
}

// Peers is the delivery surface the coordinator needs; the hub
// satisfies it.
type Peers interface {
	SendTo(name string, msg wire.Message) error
}

type Coordinator struct {
	tickets *geche.Locker[string, *Ticket]
	peers   Peers

	decisionTimeout time.Duration
	now             func() time.Time
}

func New(peers Peers) *Coordinator {
	return &Coordinator{
		tickets:         geche.NewLocker[string, *Ticket](geche.NewMapCache[string, *Ticket]()),
		peers:           peers,
		decisionTimeout: DecisionTimeout,
		now:             time.Now,
	}
}

// Offer validates a fileOffer from sender, creates a ticket and
// forwards the offer (with the coined file id) to the recipient. The
// recipient has DecisionTimeout to respond before both sides get
// TransferTimeout.
func (c *Coordinator) Offer(sender, recipient, filename string, size uint64) (string, error) {
	if recipient == sender {
		return "", ErrSelfTransfer
	}
	if size > wire.MaxFileSize {
		return "", ErrFileTooLarge
	}

	fileID := uuid.NewString()
	t := &Ticket{
		ID:        fileID,
		Sender:    sender,
		Recipient: recipient,
		Filename:  filename,
		Size:      size,
		CreatedAt: c.now(),
		State:     StateOffered,
	}

	t.timer = time.AfterFunc(c.decisionTimeout, func() { c.expire(fileID) })

	tx := c.tickets.Lock()
	tx.Set(fileID, t)
	tx.Unlock()

	err := c.peers.SendTo(recipient, wire.Message{
		Kind:      wire.KindFileOffer,
		Sender:    sender,
		Recipient: recipient,
		FileID:    fileID,
		Filename:  filename,
		Size:      size,
	})
	if err != nil {
		t.stopTimer()
		c.remove(fileID)
		return "", ErrNoSuchUser
	}

	slog.Info("file offer",
		"sender", sender, "recipient", recipient,
		"file_id", fileID, "filename", filename, "size", size)
	return fileID, nil
}

// Decide handles fileAccept / fileReject from the recipient. A reject
// after acceptance aborts the stream.
func (c *Coordinator) Decide(responder, fileID string, accepted bool) error {
	t, ok := c.lookup(fileID)
	if !ok {
		return ErrNoTicket
	}

	t.mu.Lock()
	if t.Recipient != responder || (t.State != StateOffered && t.State != StateStreaming) {
		t.mu.Unlock()
		return ErrNoTicket
	}

	if !accepted {
		wasStreaming := t.State == StateStreaming
		t.State = StateAborted
		t.stopTimer()
		t.mu.Unlock()
		c.remove(fileID)

		if wasStreaming {
			_ = c.peers.SendTo(t.Sender, wire.Err(wire.CodeTransferAborted,
				"transfer rejected mid-stream by "+responder))
		} else {
			_ = c.peers.SendTo(t.Sender, wire.Message{
				Kind:      wire.KindFileReject,
				Sender:    responder,
				Recipient: t.Sender,
				FileID:    fileID,
			})
		}
		slog.Info("file offer rejected", "file_id", fileID, "recipient", responder)
		return nil
	}

	if t.State != StateOffered {
		t.mu.Unlock()
		return ErrNoTicket
	}
	t.State = StateStreaming
	t.stopTimer()
	t.mu.Unlock()

	_ = c.peers.SendTo(t.Sender, wire.Message{
		Kind:      wire.KindFileAccept,
		Sender:    responder,
		Recipient: t.Sender,
		FileID:    fileID,
	})
	slog.Info("file offer accepted", "file_id", fileID, "recipient", responder)
	return nil
}

// Chunk relays one fileChunk. The ticket must be streaming, the chunk
// must come from the offer's sender and seq must increase from 0.
func (c *Coordinator) Chunk(from, fileID string, seq uint64, data []byte) error {
	t, ok := c.lookup(fileID)
	if !ok {
		return ErrNoTicket
	}

	t.mu.Lock()
	if t.State != StateStreaming || t.Sender != from {
		t.mu.Unlock()
		return ErrNoTicket
	}
	if seq != t.nextSeq {
		t.State = StateAborted
		t.mu.Unlock()
		c.abort(t, "chunk sequence out of order")
		return ErrNoTicket
	}
	t.nextSeq++

	t.BytesRelayed += uint64(len(data))
	if t.BytesRelayed > t.Size {
		t.State = StateAborted
		t.mu.Unlock()
		c.remove(fileID)
		overrun := wire.Err(wire.CodeSizeOverrun, "transfer exceeded the offered size")
		_ = c.peers.SendTo(t.Sender, overrun)
		_ = c.peers.SendTo(t.Recipient, overrun)
		slog.Warn("transfer size overrun", "file_id", fileID, "relayed", t.BytesRelayed, "offered", t.Size)
		return ErrSizeOverrun
	}

	if !t.sniffed && len(data) > 0 {
		t.sniffed = true
		if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
			slog.Info("transfer content detected", "file_id", fileID, "mime", kind.MIME.Value)
		}
	}
	t.mu.Unlock()

	return c.peers.SendTo(t.Recipient, wire.Message{
		Kind:   wire.KindFileChunk,
		FileID: fileID,
		Seq:    seq,
		Data:   data,
	})
}

// End completes a transfer. A ticket only reaches Done when the relayed
// byte count matches the offer exactly.
func (c *Coordinator) End(from, fileID string) error {
	t, ok := c.lookup(fileID)
	if !ok {
		return ErrNoTicket
	}

	t.mu.Lock()
	if t.State != StateStreaming || t.Sender != from {
		t.mu.Unlock()
		return ErrNoTicket
	}
	if t.BytesRelayed != t.Size {
		t.State = StateAborted
		t.mu.Unlock()
		c.abort(t, "transfer ended short of the offered size")
		return ErrNoTicket
	}
	t.State = StateDone
	t.mu.Unlock()
	c.remove(fileID)

	_ = c.peers.SendTo(t.Recipient, wire.Message{Kind: wire.KindFileEnd, FileID: fileID})
	slog.Info("transfer complete", "file_id", fileID, "bytes", t.BytesRelayed)
	return nil
}

// AbortFor cancels every ticket name participates in; the peer is
// notified. Called when a session drains.
func (c *Coordinator) AbortFor(name string) {
	tx := c.tickets.Lock()
	snapshot := tx.Snapshot()
	tx.Unlock()

	for id, t := range snapshot {
		t.mu.Lock()
		if t.Sender != name && t.Recipient != name {
			t.mu.Unlock()
			continue
		}
		if t.State == StateDone || t.State == StateAborted {
			t.mu.Unlock()
			continue
		}
		t.State = StateAborted
		t.stopTimer()
		peer := t.Sender
		if peer == name {
			peer = t.Recipient
		}
		t.mu.Unlock()

		c.remove(id)
		_ = c.peers.SendTo(peer, wire.Err(wire.CodeTransferAborted,
			"peer disconnected during transfer"))
		slog.Info("transfer aborted", "file_id", id, "left", name)
	}
}

// Lookup returns the ticket for tests and diagnostics.
func (c *Coordinator) Lookup(fileID string) (*Ticket, bool) {
	return c.lookup(fileID)
}

func (c *Coordinator) lookup(fileID string) (*Ticket, bool) {
	tx := c.tickets.Lock()
	defer tx.Unlock()
	t, err := tx.Get(fileID)
	if err != nil {
		return nil, false
	}
	return t, true
}

func (c *Coordinator) remove(fileID string) {
	tx := c.tickets.Lock()
	defer tx.Unlock()
	_ = tx.Del(fileID)
}

// abort notifies both parties; the ticket state is already Aborted.
func (c *Coordinator) abort(t *Ticket, why string) {
	c.remove(t.ID)
	msg := wire.Err(wire.CodeTransferAborted, why)
	_ = c.peers.SendTo(t.Sender, msg)
	_ = c.peers.SendTo(t.Recipient, msg)
	slog.Warn("transfer aborted", "file_id", t.ID, "why", why)
}

// expire fires when the recipient never answered the offer.
func (c *Coordinator) expire(fileID string) {
	t, ok := c.lookup(fileID)
	if !ok {
		return
	}

	t.mu.Lock()
	if t.State != StateOffered {
		t.mu.Unlock()
		return
	}
	t.State = StateAborted
	t.mu.Unlock()
	c.remove(fileID)

	msg := wire.Err(wire.CodeTransferTimeout, "no response to file offer")
	_ = c.peers.SendTo(t.Sender, msg)
	_ = c.peers.SendTo(t.Recipient, msg)
	slog.Info("transfer offer timed out", "file_id", fileID)
}

func (t *Ticket) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

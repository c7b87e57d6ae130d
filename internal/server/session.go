package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"boltalka/internal/hub"
	"boltalka/internal/ratelimit"
	"boltalka/internal/transfer"
	"boltalka/internal/wire"
)

const (
	// HandshakeTimeout bounds the wait for the client's hello frame.
	HandshakeTimeout = 5 * time.Second
	// PingInterval is how often the server probes an active session.
	PingInterval = 30 * time.Second
	// IdleTimeout drops a session with no inbound bytes at all.
	IdleTimeout = 60 * time.Second
	// DrainTimeout bounds the outbound flush of a draining session.
	DrainTimeout = 2 * time.Second
	// AckTimeout bounds the wait for the peer's "OK" after a frame.
	AckTimeout = 10 * time.Second

	// maxConsecutiveBadFrames before the session is dropped.
	maxConsecutiveBadFrames = 3
	inboundBuffer           = 16
)

// session owns one client connection through its whole lifecycle:
// Handshaking, Active, Draining, Closed. The hub never sees the socket;
// it only feeds the session's outbound queue.
type session struct {
	conn      net.Conn
	codec     *wire.Codec
	hub       *hub.Hub
	transfers *transfer.Coordinator
	limiter   *ratelimit.Bucket

	mu   sync.Mutex
	name string

	out <-chan wire.Message

	drainOnce   sync.Once
	drainCh     chan struct{}
	drainReason string

	lastActivity atomic.Int64

	badFrames   int
	rateLimited int
}

func newSession(conn net.Conn, h *hub.Hub, tr *transfer.Coordinator) *session {
	return &session{
		conn:      conn,
		codec:     wire.NewCodec(conn),
		hub:       h,
		transfers: tr,
		limiter:   ratelimit.New(ratelimit.Capacity, ratelimit.Window),
		drainCh:   make(chan struct{}),
	}
}

func (s *session) currentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *session) setName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// beginDrain is the single entry into the Draining phase. The first
// caller wins the reason; the read pump is unblocked by expiring the
// read deadline.
func (s *session) beginDrain(reason string) {
	s.drainOnce.Do(func() {
		s.drainReason = reason
		close(s.drainCh)
		_ = s.conn.SetReadDeadline(time.Now())
	})
}

func (s *session) run() {
	remote := s.conn.RemoteAddr().String()

	if err := s.handshake(); err != nil {
		slog.Info("handshake failed", "remote", remote, "error", err)
		return
	}

	name := s.currentName()
	slog.Info("user joined", "user", name, "remote", remote)
	s.active()
	slog.Info("session closed", "user", name, "reason", s.drainReason)
}

// handshake runs synchronously: no pumps exist yet, so ReadMessage's
// built-in ACK handling is safe here.
func (s *session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))

	msg, err := s.codec.ReadMessage()
	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			_ = s.codec.WriteFrame(wire.Err(wire.CodeMessageTooLarge, "frame exceeds 8192 bytes"))
		}
		return err
	}

	if msg.Kind != wire.KindHello {
		_ = s.codec.WriteFrame(wire.Err(wire.CodeBadFrame, "expected hello"))
		return errors.New("first frame was not hello")
	}

	if msg.ClientVersion != wire.Version {
		_ = s.codec.WriteFrame(wire.Message{
			Kind:          wire.KindVersionMismatch,
			ServerVersion: wire.Version,
			ClientVersion: msg.ClientVersion,
			UpgradeURL:    wire.UpgradeURL,
		})
		return errors.New("client version " + msg.ClientVersion + " does not match " + wire.Version)
	}

	if !wire.ValidUsername(msg.Username) {
		_ = s.codec.WriteFrame(wire.Err(wire.CodeBadFrame, "invalid username"))
		return errors.New("invalid username")
	}

	assigned, out, err := s.hub.Join(msg.Username, hub.Hooks{
		Kick:   s.beginDrain,
		Rename: s.setName,
	})
	switch {
	case errors.Is(err, hub.ErrBanned):
		_ = s.codec.WriteFrame(wire.Err(wire.CodeBanned, "username is banned"))
		return err
	case errors.Is(err, hub.ErrNameUnavailable):
		_ = s.codec.WriteFrame(wire.Err(wire.CodeNameUnavailable, "username unavailable"))
		return err
	case err != nil:
		return err
	}

	s.setName(assigned)
	s.out = out
	_ = s.conn.SetReadDeadline(time.Time{})

	// Welcome lands in the member queue before the join broadcast, so
	// the write pump delivers them in that order once it starts.
	_ = s.hub.SendTo(assigned, wire.Message{
		Kind:          wire.KindWelcome,
		Username:      assigned,
		ServerVersion: wire.Version,
	})
	s.hub.Broadcast(wire.Message{Kind: wire.KindJoin, Username: assigned})
	return nil
}

// active runs the three per-session goroutines until something triggers
// Draining, then flushes and leaves.
func (s *session) active() {
	inbound := make(chan wire.Message, inboundBuffer)
	acks := make(chan struct{}, hub.SubscriberBuffer)
	readErr := make(chan error, 1)
	writeDone := make(chan struct{})

	s.lastActivity.Store(time.Now().UnixNano())

	go s.readPump(inbound, acks, readErr)
	go s.writePump(acks, writeDone)

	ping := time.NewTicker(PingInterval)
	defer ping.Stop()

dispatch:
	for {
		select {
		case <-s.drainCh:
			break dispatch

		case err := <-readErr:
			if errors.Is(err, wire.ErrFrameTooLarge) {
				_ = s.hub.SendTo(s.currentName(), wire.Err(wire.CodeMessageTooLarge,
					"frame exceeds 8192 bytes"))
			}
			if err != nil && !errors.Is(err, io.EOF) && !isTimeout(err) {
				slog.Info("read pump stopped", "user", s.currentName(), "error", err)
			}
			s.beginDrain(wire.ReasonDrop)
			break dispatch

		case <-ping.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= IdleTimeout {
				slog.Info("idle timeout", "user", s.currentName(), "idle", idle)
				s.beginDrain(wire.ReasonDrop)
				break dispatch
			}
			_ = s.hub.SendTo(s.currentName(), wire.Message{Kind: wire.KindPing})

		case msg := <-inbound:
			s.dispatch(msg)
		}
	}

	s.drain(writeDone)
}

// readPump tokenizes the inbound stream. ACK tokens feed the write
// pump; frames are acknowledged immediately and handed to dispatch.
// A frame that fails to decode is passed through with an empty kind.
func (s *session) readPump(inbound chan<- wire.Message, acks chan<- struct{}, readErr chan<- error) {
	for {
		tok, err := s.codec.ReadToken()
		if err != nil {
			readErr <- err
			return
		}
		s.lastActivity.Store(time.Now().UnixNano())

		if tok.Ack {
			select {
			case acks <- struct{}{}:
			default:
			}
			continue
		}

		if err := s.codec.WriteAck(); err != nil {
			readErr <- err
			return
		}

		msg, err := wire.Decode(tok.Payload)
		if err != nil {
			msg = wire.Message{}
		}
		select {
		case inbound <- msg:
		case <-s.drainCh:
			return
		}
	}
}

// writePump moves the member queue onto the socket, waiting for the
// peer's ACK after each frame. Once draining starts the ACK wait is
// suspended and the write deadline set by drain bounds the flush. The
// pump ends when the hub closes the queue.
func (s *session) writePump(acks <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	draining := false
	for msg := range s.out {
		if err := s.codec.WriteFrame(msg); err != nil {
			s.beginDrain(wire.ReasonDrop)
			continue
		}
		if draining {
			continue
		}
		select {
		case <-acks:
		case <-s.drainCh:
			draining = true
		case <-time.After(AckTimeout):
			slog.Warn("peer stopped acknowledging", "user", s.currentName())
			s.beginDrain(wire.ReasonDrop)
			draining = true
		}
	}
}

// dispatch handles one decoded client frame in the Active phase.
func (s *session) dispatch(msg wire.Message) {
	name := s.currentName()

	if msg.Kind == "" {
		s.badFrame("malformed frame")
		return
	}

	// Pong stays exempt so a backlogged client is not dropped for
	// answering the server's own pings.
	if msg.Kind != wire.KindPong && !s.limiter.Allow() {
		s.rateLimited++
		if s.rateLimited >= 3 {
			slog.Warn("client persistently over rate limit", "user", name, "consecutive", s.rateLimited)
		}
		_ = s.hub.SendTo(name, wire.Err(wire.CodeRateLimited, "slow down"))
		return
	}
	s.rateLimited = 0

	switch msg.Kind {
	case wire.KindChat:
		if len(msg.Content) == 0 || len(msg.Content) > wire.MaxContentLen {
			s.badFrame("chat content length out of range")
			return
		}
		slog.Info("chat", "user", name, "length", len(msg.Content))
		s.hub.Broadcast(wire.Message{Kind: wire.KindChat, Sender: name, Content: msg.Content})

	case wire.KindDM:
		if len(msg.Content) == 0 || len(msg.Content) > wire.MaxContentLen {
			s.badFrame("dm content length out of range")
			return
		}
		if err := s.hub.DM(name, msg.Recipient, msg.Content); err != nil {
			_ = s.hub.SendTo(name, wire.Err(wire.CodeNoSuchUser, "no such user: "+msg.Recipient))
			return
		}
		_ = s.hub.SendTo(name, wire.Message{Kind: wire.KindDMAck, Recipient: msg.Recipient})

	case wire.KindListReq:
		_ = s.hub.SendTo(name, wire.Message{Kind: wire.KindListResp, Users: s.hub.List()})

	case wire.KindStatus:
		if len(msg.StatusText) > wire.MaxStatusLen {
			s.badFrame("status text too long")
			return
		}
		s.hub.SetStatus(name, msg.StatusText)
		s.hub.Broadcast(wire.Message{Kind: wire.KindStatus, Sender: name, StatusText: msg.StatusText})

	case wire.KindFileOffer:
		_, err := s.transfers.Offer(name, msg.Recipient, msg.Filename, msg.Size)
		switch {
		case errors.Is(err, transfer.ErrNoSuchUser):
			_ = s.hub.SendTo(name, wire.Err(wire.CodeNoSuchUser, "no such user: "+msg.Recipient))
		case errors.Is(err, transfer.ErrSelfTransfer), errors.Is(err, transfer.ErrFileTooLarge):
			s.badFrame(err.Error())
		}

	case wire.KindFileAccept, wire.KindFileReject:
		err := s.transfers.Decide(name, msg.FileID, msg.Kind == wire.KindFileAccept)
		if errors.Is(err, transfer.ErrNoTicket) {
			_ = s.hub.SendTo(name, wire.Err(wire.CodeTransferAborted, "no matching transfer"))
		}

	case wire.KindFileChunk:
		if len(msg.Data) > wire.MaxChunkData {
			s.badFrame("chunk data too large")
			return
		}
		err := s.transfers.Chunk(name, msg.FileID, msg.Seq, msg.Data)
		if errors.Is(err, transfer.ErrNoTicket) {
			_ = s.hub.SendTo(name, wire.Err(wire.CodeTransferAborted, "no matching transfer"))
		}

	case wire.KindFileEnd:
		err := s.transfers.End(name, msg.FileID)
		if errors.Is(err, transfer.ErrNoTicket) {
			_ = s.hub.SendTo(name, wire.Err(wire.CodeTransferAborted, "no matching transfer"))
		}

	case wire.KindLeave:
		s.beginDrain(wire.ReasonQuit)

	case wire.KindPing:
		_ = s.hub.SendTo(name, wire.Message{Kind: wire.KindPong})

	case wire.KindPong:
		// Activity already recorded by the read pump.

	case wire.KindKick, wire.KindRename:
		s.badFrame("operator-only frame")
		return

	default:
		s.badFrame("unexpected kind: " + string(msg.Kind))
		return
	}

	s.badFrames = 0
}

func (s *session) badFrame(why string) {
	s.badFrames++
	_ = s.hub.SendTo(s.currentName(), wire.Err(wire.CodeBadFrame, why))
	if s.badFrames >= maxConsecutiveBadFrames {
		slog.Warn("too many bad frames", "user", s.currentName())
		s.beginDrain(wire.ReasonDrop)
	}
}

// drain completes the Draining phase: the roster entry goes away (which
// closes the outbound queue), remaining members learn about the leave,
// owned transfers abort, and the queued frames get DrainTimeout to
// reach the socket.
func (s *session) drain(writeDone <-chan struct{}) {
	s.beginDrain(wire.ReasonDrop)
	name := s.currentName()

	_ = s.conn.SetWriteDeadline(time.Now().Add(DrainTimeout))

	s.hub.Leave(name, s.drainReason)
	s.hub.Broadcast(wire.Message{Kind: wire.KindLeave, Username: name, Reason: s.drainReason})
	s.transfers.AbortFor(name)

	select {
	case <-writeDone:
	case <-time.After(DrainTimeout):
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

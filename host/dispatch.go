package host

import (
	"errors"
	"io"
	"net"

	"github.com/flashbots/auctionsession/protocol"
)

func (h *Host) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				h.log.Warn("accept failed", "err", err)
			}
			return
		}

		conn := protocol.NewConn(raw)

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		id := h.nextConnID
		h.nextConnID++
		h.conns[id] = conn
		h.wg.Add(1)
		h.mu.Unlock()

		h.log.Debug("member connected", "conn", id, "remote", conn.RemoteIP())
		go h.readLoop(id, conn)
	}
}

// readLoop forwards every message of one connection to the dispatcher and
// reports its closure.
func (h *Host) readLoop(id connID, conn *protocol.Conn) {
	defer h.wg.Done()
	for {
		msg, err := conn.Receive()
		if errors.Is(err, protocol.ErrUnknownMessage) {
			h.log.Warn("dropping unknown message", "conn", id, "err", err)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.log.Debug("connection read failed", "conn", id, "err", err)
			}
			h.post(event{conn: id})
			return
		}
		if !h.post(event{conn: id, msg: msg}) {
			return
		}
	}
}

func (h *Host) post(ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.quit:
		return false
	}
}

// dispatch applies member messages one at a time so the member table only
// ever changes from a single goroutine.
func (h *Host) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.events:
			h.handle(ev)
		case <-h.quit:
			return
		}
	}
}

func (h *Host) handle(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.msg == nil {
		h.onDisconnect(ev.conn)
		return
	}

	conn, live := h.conns[ev.conn]
	if !live {
		return
	}

	state := h.State()
	switch msg := ev.msg.(type) {
	case protocol.Join:
		if state != Registration {
			h.log.Debug("ignoring join outside registration", "conn", ev.conn, "state", state.String())
			return
		}
		h.onJoin(ev.conn, conn, msg)

	case protocol.AddressInfo:
		if state != AddressCollection {
			return
		}
		h.onAddressInfo(ev.conn, conn, msg)

	case protocol.ReadyForComputation:
		if state != ConfigDistribution {
			return
		}
		h.onReady(ev.conn, conn)

	case protocol.ComputationStarted:
		if state != ComputationRun {
			return
		}
		h.onComputationStarted(ev.conn)

	default:
		h.log.Debug("ignoring message", "conn", ev.conn, "type", ev.msg.Type())
	}
}

func (h *Host) onJoin(id connID, conn *protocol.Conn, msg protocol.Join) {
	if _, registered := h.members[id]; registered {
		return
	}
	if h.members.hasMemberID(msg.MemberID) {
		h.log.Warn("member id already registered", "conn", id, "member", msg.MemberID)
		h.dropConn(id, conn)
		return
	}
	h.members[id] = newMemberData(msg.MemberID)
	h.log.Info("member registered", "conn", id, "member", msg.MemberID)
}

func (h *Host) onAddressInfo(id connID, conn *protocol.Conn, msg protocol.AddressInfo) {
	m, registered := h.members[id]
	if !registered {
		h.dropConn(id, conn)
		return
	}
	if m.hasEvalPort() {
		return
	}
	m.evalPort = msg.EvalPort
	h.log.Info("received evaluation port", "member", m.memberID, "port", msg.EvalPort)

	if h.members.allEvalPortsSet() {
		h.addressesCollected.Open()
	}
}

func (h *Host) onReady(id connID, conn *protocol.Conn) {
	m, registered := h.members[id]
	if !registered {
		h.dropConn(id, conn)
		return
	}
	m.ready = true
	h.log.Info("member ready", "member", m.memberID, "party", m.partyID)

	if h.members.allReady() {
		h.membersReady.Open()
	}
}

// onComputationStarted advances the staggered start. Only the member at the
// head of the start order may acknowledge.
func (h *Host) onComputationStarted(id connID) {
	if len(h.startOrder) == 0 || h.startOrder[0] != id {
		return
	}
	h.startOrder = h.startOrder[1:]
	h.log.Info("member started evaluation", "member", h.members[id].memberID, "remaining", len(h.startOrder))

	if len(h.startOrder) == 0 {
		h.allStarted.Open()
		return
	}
	next, live := h.conns[h.startOrder[0]]
	if !live {
		return
	}
	// Sending with mu held keeps the start order and the request in step.
	if err := next.Send(protocol.RequestComputationStart{}); err != nil {
		h.log.Warn("could not request computation start", "err", err)
	}
}

// onDisconnect runs when a connection hit EOF or sent a frame that could not
// be decoded. Either way the socket is closed and forgotten.
func (h *Host) onDisconnect(id connID) {
	conn, live := h.conns[id]
	if !live {
		return
	}
	conn.Close()
	delete(h.conns, id)

	m, registered := h.members[id]
	if !registered {
		return
	}
	if h.State() == Registration {
		delete(h.members, id)
		h.log.Info("member left during registration", "member", m.memberID)
		return
	}
	h.log.Warn("member disconnected", "member", m.memberID, "state", h.State().String())
}

func (h *Host) dropConn(id connID, conn *protocol.Conn) {
	conn.Close()
	delete(h.conns, id)
	delete(h.members, id)
}

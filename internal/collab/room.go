package collab

import (
	"sync"
	"time"

	"bracketsync.org/internal/obs"
	"bracketsync.org/internal/token"
)

// Close codes sent when a connection is terminated. The 4xxx range is
// reserved for application use by the websocket protocol.
const (
	CloseInvalidIdentity  = 4001
	CloseInvalidRoomToken = 4002
	CloseOrgMismatch      = 4003
	CloseQuotaExceeded    = 4004
	ClosePermissionDenied = 4005
	CloseProtocolError    = 4006
	CloseRateLimited      = 4008
	CloseGoingAway        = 1001
)

// Conn is the opaque transport handle a room writes to. Implementations must
// tolerate concurrent Send calls and repeated CloseWithReason calls.
type Conn interface {
	ID() string
	Send(data []byte) error
	CloseWithReason(code int, reason string)
}

// connState tracks one admitted connection. The owned set is the only
// authority for which ephemeral ids the connection may mutate or retract.
type connState struct {
	conn    Conn
	subject string
	claims  token.RoomClaims
	owned   map[uint64]struct{}
	joined  time.Time
}

type presenceState struct {
	clock uint64
	state []byte
	owner string
}

// Room binds one document to one tournament/organization pair. One mutex
// serializes the connection set, the presence table and the document, which
// is what makes the ownership and all-or-nothing batch rules hold.
type Room struct {
	id           string
	tournamentID string
	orgID        string

	mu           sync.Mutex
	doc          *Document
	conns        map[string]*connState
	presence     map[uint64]presenceState
	createdAt    time.Time
	lastActivity time.Time
	maxPayload   int64
	closed       bool
}

func newRoom(tournamentID, orgID string, maxPayload int64) *Room {
	now := time.Now()
	return &Room{
		id:           roomID(tournamentID, orgID),
		tournamentID: tournamentID,
		orgID:        orgID,
		doc:          NewDocument(),
		conns:        make(map[string]*connState),
		presence:     make(map[uint64]presenceState),
		createdAt:    now,
		lastActivity: now,
		maxPayload:   maxPayload,
	}
}

// ID returns the derived room id.
func (r *Room) ID() string { return r.id }

// OrgID returns the owning organization.
func (r *Room) OrgID() string { return r.orgID }

// TournamentID returns the tournament the room serves.
func (r *Room) TournamentID() string { return r.tournamentID }

// ConnCount reports the number of live connections.
func (r *Room) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// AddConnection admits a connection and sends it the full sync handshake:
// the server's state vector, the complete document diff and a snapshot of
// live presence entries. Returns false when the token does not belong to
// this room's org, lacks read, or the room is already closed; the caller is
// responsible for closing the transport.
func (r *Room) AddConnection(conn Conn, subject string, claims token.RoomClaims) bool {
	if claims.Org != r.orgID || !claims.Can(token.PermRead) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	r.conns[conn.ID()] = &connState{
		conn:    conn,
		subject: subject,
		claims:  claims,
		owned:   make(map[uint64]struct{}),
		joined:  time.Now(),
	}
	r.lastActivity = time.Now()
	obs.ConnectionsActive.WithLabelValues(r.orgID).Inc()

	r.send(conn, EncodeSyncStep1(r.doc.StateVector()))
	r.send(conn, EncodeSyncStep2(r.doc.Diff(nil)))
	if len(r.presence) > 0 {
		entries := make([]PresenceEntry, 0, len(r.presence))
		for id, p := range r.presence {
			entries = append(entries, PresenceEntry{ID: id, Clock: p.clock, State: p.state})
		}
		r.send(conn, EncodePresence(entries))
	}
	return true
}

// HandleMessage applies one inbound frame. Malformed frames and ownership
// violations close the offending connection only; the room and its other
// connections are never affected.
func (r *Room) HandleMessage(connID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[connID]
	if !ok {
		return
	}
	r.lastActivity = time.Now()

	frame, err := DecodeFrame(data)
	if err != nil {
		obs.Error("malformed frame", map[string]any{
			"room": r.id, "org": r.orgID, "subject": st.subject, "conn": connID, "error": err.Error(),
		})
		st.conn.CloseWithReason(CloseProtocolError, "malformed frame")
		return
	}

	switch frame.Type {
	case MsgSync:
		r.handleSync(st, frame.Sync, data)
	case MsgPresence:
		r.handlePresence(st, frame.Presence, data)
	}
}

func (r *Room) handleSync(st *connState, f *SyncFrame, raw []byte) {
	switch f.Step {
	case SyncStep1:
		// Answer the advertised vector with the missing delta, sender only.
		r.send(st.conn, EncodeSyncStep2(r.doc.Diff(f.Vector)))
		obs.MessagesTotal.WithLabelValues("sync_step1").Inc()
	case SyncStep2, SyncUpdate:
		if !st.claims.Can(token.PermWrite) {
			obs.Error("write without permission", map[string]any{
				"room": r.id, "org": r.orgID, "subject": st.subject, "conn": st.conn.ID(),
			})
			st.conn.CloseWithReason(ClosePermissionDenied, "write permission required")
			return
		}
		fresh := r.doc.Apply(f.Updates)
		if len(fresh) > 0 {
			r.broadcast(raw, st.conn.ID())
		}
		r.send(st.conn, EncodeSyncAck(r.doc.StateVector()))
		obs.MessagesTotal.WithLabelValues("sync_update").Inc()
	case SyncAck:
		// Clients may ack; nothing to track server-side.
	}
}

func (r *Room) handlePresence(st *connState, f *PresenceFrame, raw []byte) {
	// Validate the whole batch before touching anything: a batch with any
	// invalid entry changes nothing.
	for _, e := range f.Entries {
		if _, owned := st.owned[e.ID]; owned {
			continue
		}
		if cur, taken := r.presence[e.ID]; taken && cur.owner != st.conn.ID() {
			r.rejectPresence(st, e.ID, "id owned by another connection")
			return
		}
		if e.Retraction() {
			r.rejectPresence(st, e.ID, "retraction of unowned id")
			return
		}
	}

	for _, e := range f.Entries {
		if e.Retraction() {
			delete(r.presence, e.ID)
			delete(st.owned, e.ID)
			continue
		}
		r.presence[e.ID] = presenceState{clock: e.Clock, state: e.State, owner: st.conn.ID()}
		st.owned[e.ID] = struct{}{}
	}
	r.broadcast(raw, st.conn.ID())
	obs.MessagesTotal.WithLabelValues("presence").Inc()
}

func (r *Room) rejectPresence(st *connState, id uint64, why string) {
	obs.Error("presence ownership violation", map[string]any{
		"room": r.id, "org": r.orgID, "subject": st.subject, "conn": st.conn.ID(),
		"ephemeral_id": id, "reason": why,
	})
	st.conn.CloseWithReason(CloseProtocolError, "presence ownership violation")
}

// RemoveConnection drops a connection and broadcasts a retraction for every
// ephemeral id it owned, so peers promptly clear stale presence. Idempotent.
func (r *Room) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	obs.ConnectionsActive.WithLabelValues(r.orgID).Dec()

	if len(st.owned) > 0 {
		entries := make([]PresenceEntry, 0, len(st.owned))
		for id := range st.owned {
			clock := r.presence[id].clock + 1
			entries = append(entries, PresenceEntry{ID: id, Clock: clock})
			delete(r.presence, id)
		}
		r.broadcast(EncodePresence(entries), connID)
	}
	r.lastActivity = time.Now()
}

// Close force-closes every connection and disposes the room state. Used by
// the manager for eviction and shutdown.
func (r *Room) Close(code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, st := range r.conns {
		st.conn.CloseWithReason(code, reason)
		obs.ConnectionsActive.WithLabelValues(r.orgID).Dec()
	}
	r.conns = make(map[string]*connState)
	r.presence = make(map[uint64]presenceState)
	r.doc = NewDocument()
}

func (r *Room) idleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastActivity)
}

// send writes one frame to a single connection, enforcing the outbound
// payload cap: an oversized frame is dropped whole, never partially sent.
func (r *Room) send(c Conn, data []byte) {
	if r.maxPayload > 0 && int64(len(data)) > r.maxPayload {
		obs.FramesDropped.WithLabelValues("oversize").Inc()
		obs.Error("dropping oversized outbound frame", map[string]any{
			"room": r.id, "org": r.orgID, "conn": c.ID(), "size": len(data),
		})
		return
	}
	if err := c.Send(data); err != nil {
		obs.Error("send failed", map[string]any{
			"room": r.id, "org": r.orgID, "conn": c.ID(), "error": err.Error(),
		})
	}
}

func (r *Room) broadcast(data []byte, except string) {
	if r.maxPayload > 0 && int64(len(data)) > r.maxPayload {
		obs.FramesDropped.WithLabelValues("oversize").Inc()
		obs.Error("dropping oversized broadcast", map[string]any{
			"room": r.id, "org": r.orgID, "size": len(data),
		})
		return
	}
	for id, st := range r.conns {
		if id == except {
			continue
		}
		if err := st.conn.Send(data); err != nil {
			obs.Error("broadcast send failed", map[string]any{
				"room": r.id, "org": r.orgID, "conn": id, "error": err.Error(),
			})
		}
	}
}

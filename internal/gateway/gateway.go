// Package gateway accepts websocket connections, drives the authorization
// handshake and pumps frames into the room layer. Authorization failures are
// delivered as distinct application close codes right after the upgrade, so
// clients can tell a bad token from a full organization.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bracketsync.org/internal/audit"
	"bracketsync.org/internal/collab"
	"bracketsync.org/internal/ids"
	"bracketsync.org/internal/obs"
	"bracketsync.org/internal/ratelimit"
	"bracketsync.org/internal/token"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Gateway is the websocket entry point, top of the component stack.
type Gateway struct {
	verifier   *token.Verifier
	manager    *collab.Manager
	limiter    *ratelimit.Limiter
	maxPayload int64
	upgrader   websocket.Upgrader
}

// New wires the gateway over its collaborators. An empty origin list admits
// same-host requests only; "*" disables the origin check.
func New(verifier *token.Verifier, manager *collab.Manager, limiter *ratelimit.Limiter, maxPayload int64, allowedOrigins []string) *Gateway {
	return &Gateway{
		verifier:   verifier,
		manager:    manager,
		limiter:    limiter,
		maxPayload: maxPayload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	normalized := make([]string, 0, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimSpace(strings.TrimSuffix(o, "/"))
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			normalized = append(normalized, strings.ToLower(o))
		}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		if len(normalized) == 0 {
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		}
		origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
		for _, o := range normalized {
			if origin == o {
				return true
			}
		}
		return false
	}
}

// denial is an admission failure mapped to a close code.
type denial struct {
	code   int
	reason string
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tournament := query.Get("tournament")

	var (
		identity *token.IdentityClaims
		room     *token.RoomClaims
		deny     *denial
	)

	identity, deny = g.authenticateIdentity(r)
	if deny == nil {
		room, deny = g.authorizeRoom(query.Get("room"), tournament, identity)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("websocket upgrade failed", map[string]any{"error": err.Error(), "remote": r.RemoteAddr})
		return
	}
	wsc := newWSConn(ids.New(), conn)

	if deny != nil {
		g.deny(r.Context(), wsc, identity, tournament, *deny)
		return
	}

	roomInstance, err := g.manager.GetOrCreate(tournament, room.Org)
	if err != nil {
		if errors.Is(err, collab.ErrQuotaExceeded) {
			g.deny(r.Context(), wsc, identity, tournament, denial{collab.CloseQuotaExceeded, "organization room quota exceeded"})
			return
		}
		obs.Error("room lookup failed", map[string]any{"error": err.Error(), "org": room.Org})
		wsc.CloseWithReason(websocket.CloseInternalServerErr, "internal error")
		return
	}

	admitted := roomInstance.AddConnection(wsc, identity.Subject, *room)
	if !admitted {
		// The org and permission checks already passed, so a rejection here
		// means the instance lost a race with eviction and closed between
		// lookup and admission. One fresh lookup reaches the replacement.
		roomInstance, err = g.manager.GetOrCreate(tournament, room.Org)
		if err == nil {
			admitted = roomInstance.AddConnection(wsc, identity.Subject, *room)
		}
	}
	if !admitted {
		g.deny(r.Context(), wsc, identity, tournament, denial{websocket.CloseTryAgainLater, "room is closing, retry"})
		return
	}

	audit.LogEvent(r.Context(), "connection.admitted", map[string]any{
		"subject": identity.Subject,
		"org":     identity.Org,
		"room":    roomInstance.ID(),
		"conn":    wsc.ID(),
	})

	g.readLoop(r.Context(), wsc, roomInstance, identity.Subject, identity.Org)
}

// authenticateIdentity extracts and verifies the identity token from the
// Authorization header or the token query parameter.
func (g *Gateway) authenticateIdentity(r *http.Request) (*token.IdentityClaims, *denial) {
	raw := ""
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		const bearer = "bearer "
		if !strings.HasPrefix(strings.ToLower(h), bearer) {
			return nil, &denial{collab.CloseInvalidIdentity, "invalid authorization scheme"}
		}
		raw = strings.TrimSpace(h[len(bearer):])
	}
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		return nil, &denial{collab.CloseInvalidIdentity, "missing identity token"}
	}

	claims, err := g.verifier.VerifyIdentity(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, &denial{collab.CloseInvalidIdentity, "identity token expired"}
		}
		return nil, &denial{collab.CloseInvalidIdentity, "invalid identity token"}
	}
	return claims, nil
}

// authorizeRoom verifies the room-access token and cross-checks it against
// the requested tournament and the caller's organization.
func (g *Gateway) authorizeRoom(raw, tournament string, identity *token.IdentityClaims) (*token.RoomClaims, *denial) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &denial{collab.CloseInvalidRoomToken, "missing room token"}
	}
	claims, err := g.verifier.VerifyRoomAccess(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, &denial{collab.CloseInvalidRoomToken, "room token expired"}
		}
		return nil, &denial{collab.CloseInvalidRoomToken, "invalid room token"}
	}
	if tournament == "" || claims.Tournament != tournament {
		return nil, &denial{collab.CloseInvalidRoomToken, "room token does not match tournament"}
	}
	if identity.Org != claims.Org {
		return nil, &denial{collab.CloseOrgMismatch, "token organization mismatch"}
	}
	if !claims.Can(token.PermRead) {
		return nil, &denial{collab.ClosePermissionDenied, "read permission required"}
	}
	return claims, nil
}

func (g *Gateway) deny(ctx context.Context, wsc *wsConn, identity *token.IdentityClaims, tournament string, d denial) {
	fields := map[string]any{
		"code":       d.code,
		"reason":     d.reason,
		"tournament": tournament,
	}
	if identity != nil {
		fields["subject"] = identity.Subject
		fields["org"] = identity.Org
	}
	audit.LogEvent(ctx, "connection.denied", fields)
	wsc.CloseWithReason(d.code, d.reason)
}

// readLoop pumps inbound frames until the transport dies. The deferred
// cleanup is the single exit path, so RemoveConnection runs exactly once no
// matter whether a read error, a protocol close or shutdown ends the loop.
func (g *Gateway) readLoop(ctx context.Context, wsc *wsConn, room *collab.Room, subject, org string) {
	defer func() {
		room.RemoveConnection(wsc.ID())
		wsc.CloseWithReason(websocket.CloseNormalClosure, "")
	}()

	wsc.conn.SetReadLimit(g.maxPayload)
	_ = wsc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wsc.conn.SetPongHandler(func(string) error {
		return wsc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go wsc.pingLoop(done)

	for {
		msgType, data, err := wsc.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			wsc.CloseWithReason(collab.CloseProtocolError, "binary frames only")
			return
		}
		// The read limit already bounds frames; this re-check keeps the
		// invariant even if the transport configuration drifts.
		if int64(len(data)) > g.maxPayload {
			obs.FramesDropped.WithLabelValues("inbound_oversize").Inc()
			wsc.CloseWithReason(collab.CloseProtocolError, "frame exceeds payload limit")
			return
		}

		decision := g.limiter.Allow(ctx, wsc.ID(), subject, org)
		if !decision.OK {
			obs.RateLimitedTotal.WithLabelValues(string(decision.Scope)).Inc()
			retry := int64(math.Ceil(decision.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			reason := fmt.Sprintf("rate limit exceeded (%s); retry after %ds", decision.Scope, retry)
			audit.LogEvent(ctx, "connection.rate_limited", map[string]any{
				"subject": subject,
				"org":     org,
				"room":    room.ID(),
				"conn":    wsc.ID(),
				"scope":   string(decision.Scope),
			})
			wsc.CloseWithReason(collab.CloseRateLimited, reason)
			return
		}

		room.HandleMessage(wsc.ID(), data)
	}
}

// wsConn adapts a gorilla connection to the room's transport handle. Writes
// are serialized by the mutex and guarded with a deadline.
type wsConn struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(id string, conn *websocket.Conn) *wsConn {
	return &wsConn{id: id, conn: conn}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// CloseWithReason sends a close frame with an application code, then tears
// the transport down. Safe to call more than once.
func (c *wsConn) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

func (c *wsConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// truncateReason keeps close reasons inside the 123-byte control frame cap.
func truncateReason(reason string) string {
	const maxLen = 123
	if len(reason) <= maxLen {
		return reason
	}
	return reason[:maxLen]
}

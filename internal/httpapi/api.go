// Package httpapi is the HTTP surface around the websocket gateway: health
// and readiness probes, the org-scoped stats endpoint for the admin UI, and
// the Prometheus scrape target.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bracketsync.org/internal/collab"
	"bracketsync.org/internal/obs"
	"bracketsync.org/internal/token"
)

const serviceName = "bracketsync-collab"

// ReadyProbe reports readiness; it pings the counter-store DB when one is
// configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	verifier   *token.Verifier
	manager    *collab.Manager
	version    string
}

// New assembles the mux. The gateway handler is mounted at /collab.
func New(rp ReadyProbe, verifier *token.Verifier, manager *collab.Manager, gateway http.Handler, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		verifier:   verifier,
		manager:    manager,
		version:    version,
	}

	a.mux.Handle("/collab", gateway)

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/v1/stats/rooms", a.RoomStats)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := obs.Instrument(a.mux)
	h = SecurityHeaders(h)
	h = RateLimit(h, 100, 50)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// RoomStats serves aggregate room/connection counts scoped by organization.
// Admin-role callers see every org; everyone else sees only their own, and
// room names or tournament identifiers are never included.
func (a *API) RoomStats(w http.ResponseWriter, r *http.Request) {
	raw, err := extractBearerToken(r)
	if err != nil {
		respondError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	claims, err := a.verifier.VerifyIdentity(raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			respondError(w, r, http.StatusUnauthorized, "token expired")
			return
		}
		respondError(w, r, http.StatusUnauthorized, "invalid token")
		return
	}

	stats := a.manager.Stats()
	if claims.Role != "admin" {
		scoped := stats[:0:0]
		for _, st := range stats {
			if st.Org == claims.Org {
				scoped = append(scoped, st)
			}
		}
		stats = scoped
	}
	if stats == nil {
		stats = []collab.OrgStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgs": stats})
}

func extractBearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" {
			return q, nil
		}
		return "", errors.New("missing bearer token")
	}
	const bearer = "bearer "
	if !strings.HasPrefix(strings.ToLower(header), bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	body := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, code, body)
}

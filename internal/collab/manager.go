package collab

import (
	"errors"
	"sort"
	"sync"
	"time"

	"bracketsync.org/internal/obs"
)

// ErrQuotaExceeded is returned when an organization is at its room cap.
// Fatal to the new connection attempt only; existing rooms are unaffected.
var ErrQuotaExceeded = errors.New("collab: organization room quota exceeded")

// roomID derives the room key. Deterministic derivation means two authorized
// clients for the same tournament/org always converge on one room without a
// coordination protocol.
func roomID(tournamentID, orgID string) string {
	return tournamentID + "/" + orgID
}

// ManagerConfig carries the knobs the manager enforces.
type ManagerConfig struct {
	MaxRoomsPerOrg  int
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	MaxPayloadBytes int64
}

// Manager owns every room for its lifetime: creation under the per-org
// quota, lookup, idle eviction and shutdown. Constructed explicitly and
// passed through the gateway; lifecycle belongs to the process entry point.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	rooms map[string]*Room
	quota map[string]int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager; Start launches the eviction sweeper.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxRoomsPerOrg <= 0 {
		cfg.MaxRoomsPerOrg = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:   cfg,
		rooms: make(map[string]*Room),
		quota: make(map[string]int),
		done:  make(chan struct{}),
	}
}

// GetOrCreate returns the room for the tournament/org pair, creating it if
// absent. Lookup and creation are one atomic step under the manager lock, so
// concurrent first-joiners converge on a single room and a single quota
// increment.
func (m *Manager) GetOrCreate(tournamentID, orgID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := roomID(tournamentID, orgID)
	if room, ok := m.rooms[id]; ok {
		return room, nil
	}
	if m.quota[orgID] >= m.cfg.MaxRoomsPerOrg {
		return nil, ErrQuotaExceeded
	}
	room := newRoom(tournamentID, orgID, m.cfg.MaxPayloadBytes)
	m.rooms[id] = room
	m.quota[orgID]++
	obs.RoomsActive.WithLabelValues(orgID).Inc()
	obs.Info("room created", map[string]any{"room": id, "org": orgID})
	return room, nil
}

// OrgStats is one organization's aggregate, for the observability surface.
// Room names and tournament identifiers are deliberately absent.
type OrgStats struct {
	Org         string `json:"org"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// Stats returns per-org aggregates sorted by org id.
func (m *Manager) Stats() []OrgStats {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	byOrg := make(map[string]*OrgStats)
	for _, r := range rooms {
		st, ok := byOrg[r.OrgID()]
		if !ok {
			st = &OrgStats{Org: r.OrgID()}
			byOrg[r.OrgID()] = st
		}
		st.Rooms++
		st.Connections += r.ConnCount()
	}
	out := make([]OrgStats, 0, len(byOrg))
	for _, st := range byOrg {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Org < out[j].Org })
	return out
}

// Start launches the periodic eviction sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.EvictIdle(time.Now())
			}
		}
	}()
}

// EvictIdle destroys rooms that have zero connections and have been idle
// past the timeout, and returns how many were evicted. A room with a live
// connection is never touched, regardless of activity age.
func (m *Manager) EvictIdle(now time.Time) int {
	m.mu.Lock()
	candidates := make(map[string]*Room, len(m.rooms))
	for id, r := range m.rooms {
		candidates[id] = r
	}
	m.mu.Unlock()

	// Room locks are taken without the manager lock held, so a room stuck in
	// a slow message path cannot stall admission behind the sweep.
	var victims []*Room
	for id, r := range candidates {
		if r.ConnCount() > 0 || r.idleFor(now) <= m.cfg.IdleTimeout {
			continue
		}
		m.mu.Lock()
		if m.rooms[id] != r || r.ConnCount() > 0 {
			// A connection joined since the snapshot, or the room was
			// already replaced.
			m.mu.Unlock()
			continue
		}
		delete(m.rooms, id)
		if m.quota[r.OrgID()] > 0 {
			m.quota[r.OrgID()]--
			if m.quota[r.OrgID()] == 0 {
				delete(m.quota, r.OrgID())
			}
		}
		obs.RoomsActive.WithLabelValues(r.OrgID()).Dec()
		m.mu.Unlock()
		victims = append(victims, r)
	}

	for _, r := range victims {
		r.Close(CloseGoingAway, "room evicted")
		obs.RoomsEvictedTotal.Inc()
		obs.Info("room evicted", map[string]any{"room": r.ID(), "org": r.OrgID()})
	}
	return len(victims)
}

// Shutdown stops the sweeper and destroys every room, force-closing all
// connections. Used at process termination only.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	for org := range m.quota {
		obs.RoomsActive.WithLabelValues(org).Set(0)
	}
	m.quota = make(map[string]int)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Close(CloseGoingAway, "server shutting down")
	}
}

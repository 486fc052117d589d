// Package lan implements the LAN session backend.  Backends attached to
// the same Network see each other's advertised sessions.  A Network on
// its own only spans one process; attaching a Beacon extends it across
// the segment over UDP.
package lan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mpcore/internal/backend"
	"mpcore/util"
)

// remoteTTL is how long a session learned from another process stays
// joinable without being seen again.
const remoteTTL = time.Minute

// Network is a shared LAN segment.
type Network struct {
	id string

	mu       sync.Mutex
	sessions map[string]*advert
	seq      int
	residue  int
	latency  time.Duration
	beacon   *Beacon
}

type advert struct {
	id       string
	owner    string
	seq      int
	created  time.Time
	members  int
	settings backend.Settings

	// origin is the beacon that answered for a session hosted by
	// another process; nil for sessions hosted on this Network.
	origin *net.UDPAddr
	seen   time.Time
}

func (ad *advert) remote() bool { return ad.origin != nil }

// NewNetwork returns an empty segment.
func NewNetwork() *Network {
	return &Network{id: uuid.NewString(), sessions: make(map[string]*advert)}
}

// SetLatency delays every completion on this segment by d.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// LeaveResidue makes the next count destroys report success while
// leaving the session registered.
func (n *Network) LeaveResidue(count int) {
	n.mu.Lock()
	n.residue = count
	n.mu.Unlock()
}

// Sessions returns the number of sessions hosted on this segment.
func (n *Network) Sessions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ad := range n.sessions {
		if !ad.remote() {
			count++
		}
	}
	return count
}

func (n *Network) delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latency
}

func (n *Network) takeResidue() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.residue > 0 {
		n.residue--
		return true
	}
	return false
}

// add registers a session hosted on this segment.
func (n *Network) add(ad *advert) {
	n.mu.Lock()
	n.seq++
	ad.seq = n.seq
	n.sessions[ad.id] = ad
	n.mu.Unlock()
}

// members moves the member count of a locally hosted session by delta,
// keeping it between one and the session's connection limit.
func (n *Network) members(id string, delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ad, ok := n.sessions[id]
	if !ok || ad.remote() {
		return
	}
	switch {
	case delta > 0 && ad.members < ad.settings.MaxConnections():
		ad.members++
	case delta < 0 && ad.members > 1:
		ad.members--
	}
}

// discover refreshes sessions hosted by other processes and returns
// the time the search started.  Remote sessions seen before then are
// not listed.
func (n *Network) discover() time.Time {
	since := time.Now()
	if bc := n.attached(); bc != nil {
		bc.search()
	}
	return since
}

func (n *Network) attached() *Beacon {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.beacon
}

func (n *Network) send(to *net.UDPAddr, p packet) {
	if bc := n.attached(); bc != nil {
		bc.write(to, p)
	}
}

// ── Backend ──────────────────────────────────────────────────────────

// Backend is one process's view of a Network.
type Backend struct {
	net    *Network
	owner  string
	logger *util.Logger

	mu      sync.Mutex
	named   map[string]backend.NamedSession
	creates map[string]uint64
	origins map[string]*net.UDPAddr
	logins  map[int]string
}

// New attaches a backend to segment.
func New(segment *Network, logger *util.Logger) *Backend {
	return &Backend{
		net:     segment,
		owner:   uuid.NewString(),
		logger:  logger.Named("lan"),
		named:   make(map[string]backend.NamedSession),
		creates: make(map[string]uint64),
		origins: make(map[string]*net.UDPAddr),
		logins:  make(map[int]string),
	}
}

// Name returns "lan".
func (b *Backend) Name() string { return "lan" }

// CreateSession advertises a new session on the segment.  Only the
// latest create of a key advertises anything; earlier ones still in
// flight complete with false.
func (b *Backend) CreateSession(_ context.Context, slot int, key string, settings backend.Settings, done func(bool)) error {
	if settings.MaxConnections() <= 0 {
		return fmt.Errorf("session %q: no connections available", key)
	}

	b.mu.Lock()
	if _, exists := b.named[key]; exists {
		b.mu.Unlock()
		return fmt.Errorf("session %q already exists", key)
	}
	b.creates[key]++
	gen := b.creates[key]
	b.mu.Unlock()

	settings = settings.Clone()
	b.async(func() {
		b.mu.Lock()
		if b.creates[key] != gen {
			b.mu.Unlock()
			b.logger.Debug("slot %d create of %s superseded", slot, key)
			done(false)
			return
		}
		ad := &advert{id: uuid.NewString(), owner: b.owner, created: time.Now(), members: 1, settings: settings}
		b.net.add(ad)
		b.named[key] = backend.NamedSession{Key: key, SessionID: ad.id, Hosting: true, Settings: settings}
		b.mu.Unlock()

		b.logger.Debug("slot %d created %s (%s)", slot, key, ad.id)
		done(true)
	})
	return nil
}

// FindSessions lists advertised sessions owned by other backends,
// oldest first.
func (b *Backend) FindSessions(_ context.Context, _ int, spec backend.SearchSpec, done func([]backend.SearchResult, bool)) error {
	b.async(func() {
		since := b.net.discover()

		b.net.mu.Lock()
		ads := make([]*advert, 0, len(b.net.sessions))
		for id, ad := range b.net.sessions {
			if ad.remote() && time.Since(ad.seen) > remoteTTL {
				delete(b.net.sessions, id)
				continue
			}
			if ad.owner == b.owner || !ad.settings.ShouldAdvertise {
				continue
			}
			if ad.remote() && ad.seen.Before(since) {
				continue
			}
			if ad.settings.IsLANMatch != spec.LAN {
				continue
			}
			ads = append(ads, ad)
		}
		sort.Slice(ads, func(i, j int) bool {
			if !ads[i].created.Equal(ads[j].created) {
				return ads[i].created.Before(ads[j].created)
			}
			return ads[i].seq < ads[j].seq
		})
		if spec.MaxResults > 0 && len(ads) > spec.MaxResults {
			ads = ads[:spec.MaxResults]
		}
		results := make([]backend.SearchResult, 0, len(ads))
		for _, ad := range ads {
			results = append(results, backend.SearchResult{
				SessionID:       ad.id,
				OwnerID:         ad.owner,
				Settings:        ad.settings.Clone(),
				OpenConnections: ad.settings.MaxConnections() - ad.members,
			})
		}
		b.net.mu.Unlock()

		done(results, true)
	})
	return nil
}

// JoinSession takes a connection in the session described by result.
// Joining a session hosted by another process tells its beacon.
func (b *Backend) JoinSession(_ context.Context, slot int, key string, result backend.SearchResult, done func(backend.JoinOutcome)) error {
	b.async(func() {
		if _, exists := b.NamedSession(key); exists {
			done(backend.JoinAlreadyInSession)
			return
		}

		b.net.mu.Lock()
		ad, ok := b.net.sessions[result.SessionID]
		switch {
		case !ok:
			b.net.mu.Unlock()
			done(backend.JoinSessionDoesNotExist)
			return
		case ad.members >= ad.settings.MaxConnections():
			b.net.mu.Unlock()
			done(backend.JoinSessionFull)
			return
		}
		ad.members++
		settings := ad.settings.Clone()
		origin := ad.origin
		b.net.mu.Unlock()

		b.mu.Lock()
		b.named[key] = backend.NamedSession{Key: key, SessionID: result.SessionID, Settings: settings}
		if origin != nil {
			b.origins[key] = origin
		}
		b.mu.Unlock()

		if origin != nil {
			b.net.send(origin, packet{Type: packetJoin, Session: result.SessionID})
		}
		b.logger.Debug("slot %d joined %s (%s)", slot, key, result.SessionID)
		done(backend.JoinSuccess)
	})
	return nil
}

// DestroySession ends a hosted session or gives up a joined one.
func (b *Backend) DestroySession(_ context.Context, key string, done func(bool)) error {
	s, ok := b.NamedSession(key)
	if !ok {
		return fmt.Errorf("session %q does not exist", key)
	}

	b.async(func() {
		if b.net.takeResidue() {
			b.logger.Debug("destroy %s left residual state", key)
			done(true)
			return
		}

		b.net.mu.Lock()
		if ad, found := b.net.sessions[s.SessionID]; found {
			if s.Hosting {
				delete(b.net.sessions, s.SessionID)
			} else if ad.members > 1 {
				ad.members--
			}
		}
		b.net.mu.Unlock()

		b.mu.Lock()
		origin := b.origins[key]
		delete(b.origins, key)
		delete(b.named, key)
		b.mu.Unlock()

		if origin != nil {
			b.net.send(origin, packet{Type: packetLeave, Session: s.SessionID})
		}
		done(true)
	})
	return nil
}

// NamedSession reports the session registered under key.
func (b *Backend) NamedSession(key string) (backend.NamedSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.named[key]
	return s, ok
}

// ConnectString returns the host address advertised by the session
// registered under key.
func (b *Backend) ConnectString(key string) (string, bool) {
	s, ok := b.NamedSession(key)
	if !ok {
		return "", false
	}
	addr, ok := s.Settings.Text(backend.KeyHostAddr)
	return addr, ok && addr != ""
}

// Login issues a stable identity derived from the credentials.  LAN has
// no account service, so any non-empty id is accepted.
func (b *Backend) Login(_ context.Context, slot int, creds backend.Credentials, done func(string, bool)) error {
	b.async(func() {
		if creds.ID == "" {
			done("", false)
			return
		}
		identity := creds.ID
		if creds.Type != backend.CredentialsPersistent {
			identity = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lan:"+creds.Type+":"+creds.ID)).String()
		}

		b.mu.Lock()
		b.logins[slot] = identity
		b.mu.Unlock()
		done(identity, true)
	})
	return nil
}

// Logout forgets the identity of slot.
func (b *Backend) Logout(_ context.Context, slot int, done func(bool)) error {
	b.async(func() {
		b.mu.Lock()
		_, ok := b.logins[slot]
		delete(b.logins, slot)
		b.mu.Unlock()
		done(ok)
	})
	return nil
}

func (b *Backend) async(fn func()) {
	d := b.net.delay()
	go func() {
		if d > 0 {
			time.Sleep(d)
		}
		fn()
	}()
}

package lan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"mpcore/internal/backend"
	"mpcore/util"
)

// DefaultPort is the UDP port hosts answer searches on.
const DefaultPort = 14001

// DefaultSearchWindow is how long a search collects replies.
const DefaultSearchWindow = 500 * time.Millisecond

const maxPacket = 64 << 10

// Discovery packet types.
const (
	packetQuery  = "query"
	packetAdvert = "advert"
	packetJoin   = "join"
	packetLeave  = "leave"
)

type packet struct {
	Type     string            `json:"type"`
	Net      string            `json:"net"`
	Session  string            `json:"session,omitempty"`
	Owner    string            `json:"owner,omitempty"`
	Members  int               `json:"members,omitempty"`
	Created  time.Time         `json:"created"`
	Settings *backend.Settings `json:"settings,omitempty"`
}

// BeaconConfig configures LAN discovery.
type BeaconConfig struct {
	// Listen is the local UDP address.  Hosts bind the discovery port
	// so searches reach them; peers that only search can use ":0".
	Listen string

	// Target receives searches, normally the broadcast address and the
	// discovery port.
	Target string

	// Window is how long a search waits for replies.
	// Default: 500ms
	Window time.Duration

	Logger *util.Logger
}

// Beacon links a Network to the other processes on the segment.  It
// answers searches with the sessions hosted on its Network and records
// the sessions other beacons answer with.
type Beacon struct {
	net    *Network
	conn   *net.UDPConn
	target *net.UDPAddr
	window time.Duration
	logger *util.Logger
	done   chan struct{}
}

// Attach opens a beacon for n.  Close it to detach.
func (n *Network) Attach(cfg BeaconConfig) (*Beacon, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultSearchWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = util.NewLogger(0)
	}

	target, err := net.ResolveUDPAddr("udp4", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery target: %w", err)
	}
	local, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("listen UDP on %s: %w", cfg.Listen, err)
	}

	bc := &Beacon{
		net:    n,
		conn:   conn,
		target: target,
		window: cfg.Window,
		logger: cfg.Logger.Named("beacon"),
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	n.beacon = bc
	n.mu.Unlock()

	bc.logger.Verbose("discovery on %s, searching %s", conn.LocalAddr(), target)
	go bc.serve()
	return bc, nil
}

// Addr returns the local address of the beacon socket.
func (bc *Beacon) Addr() *net.UDPAddr {
	return bc.conn.LocalAddr().(*net.UDPAddr)
}

// Close detaches the beacon and stops answering searches.
func (bc *Beacon) Close() error {
	bc.net.mu.Lock()
	if bc.net.beacon == bc {
		bc.net.beacon = nil
	}
	bc.net.mu.Unlock()

	err := bc.conn.Close()
	<-bc.done
	return err
}

// search broadcasts a query and waits out the reply window.
func (bc *Beacon) search() {
	bc.write(bc.target, packet{Type: packetQuery})
	time.Sleep(bc.window)
}

func (bc *Beacon) write(to *net.UDPAddr, p packet) {
	p.Net = bc.net.id
	data, err := json.Marshal(p)
	if err != nil {
		bc.logger.Warn("encode %s packet: %v", p.Type, err)
		return
	}
	if _, err := bc.conn.WriteToUDP(data, to); err != nil {
		bc.logger.Debug("send %s to %s: %v", p.Type, to, err)
	}
}

func (bc *Beacon) serve() {
	defer close(bc.done)
	buf := make([]byte, maxPacket)
	for {
		n, from, err := bc.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			bc.logger.Debug("read: %v", err)
			continue
		}

		var p packet
		if err := json.Unmarshal(buf[:n], &p); err != nil {
			bc.logger.Debug("dropping malformed packet from %s: %v", from, err)
			continue
		}
		if p.Net == bc.net.id {
			continue
		}
		bc.handle(p, from)
	}
}

func (bc *Beacon) handle(p packet, from *net.UDPAddr) {
	switch p.Type {
	case packetQuery:
		for _, reply := range bc.net.hosted() {
			bc.write(from, reply)
		}
	case packetAdvert:
		if p.Session == "" || p.Settings == nil {
			return
		}
		bc.net.learn(p, from)
	case packetJoin:
		bc.net.members(p.Session, 1)
	case packetLeave:
		bc.net.members(p.Session, -1)
	default:
		bc.logger.Debug("unknown packet %q from %s", p.Type, from)
	}
}

// hosted returns an advert packet for every advertised session hosted
// on n.
func (n *Network) hosted() []packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []packet
	for _, ad := range n.sessions {
		if ad.remote() || !ad.settings.ShouldAdvertise {
			continue
		}
		settings := ad.settings.Clone()
		out = append(out, packet{
			Type:     packetAdvert,
			Session:  ad.id,
			Owner:    ad.owner,
			Members:  ad.members,
			Created:  ad.created,
			Settings: &settings,
		})
	}
	return out
}

// learn records a session another beacon answered for.
func (n *Network) learn(p packet, from *net.UDPAddr) {
	settings := p.Settings.Clone()
	reachable(&settings, from.IP)

	n.mu.Lock()
	defer n.mu.Unlock()
	if ad, ok := n.sessions[p.Session]; ok {
		if !ad.remote() {
			return
		}
		ad.members = p.Members
		ad.settings = settings
		ad.origin = from
		ad.seen = time.Now()
		return
	}
	n.seq++
	n.sessions[p.Session] = &advert{
		id:       p.Session,
		owner:    p.Owner,
		seq:      n.seq,
		created:  p.Created,
		members:  p.Members,
		settings: settings,
		origin:   from,
		seen:     time.Now(),
	}
}

// reachable points a loopback or unspecified HOSTADDR at the machine
// the advert came from.
func reachable(s *backend.Settings, from net.IP) {
	addr, ok := s.Text(backend.KeyHostAddr)
	if !ok || from.IsLoopback() {
		return
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && (ip.IsUnspecified() || ip.IsLoopback())) {
		s.Set(backend.KeyHostAddr, backend.StringValue(net.JoinHostPort(from.String(), port)))
	}
}

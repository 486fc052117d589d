package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"mpcore/internal/command"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/game"
	"mpcore/internal/metrics"
	"mpcore/internal/player"
	"mpcore/internal/wire"
	"mpcore/util"
)

// ReasonSessionFull is sent to a client for which no pawn could be
// spawned.
const ReasonSessionFull = "session full"

// ReasonHostLeft is sent to every client when the host leaves.
const ReasonHostLeft = "host left the session"

// ReasonPeerInUse is sent to a client whose hello claims the peer id of
// one of the host's own players.
const ReasonPeerInUse = "peer id in use"

type remotePeer struct {
	conn    wire.Conn
	lastSeq uint64
}

// Receiver is the host side of the forwarding channel.  It spawns a
// pawn for each client that says hello, applies the client's commands
// on the event loop through the dispatcher and replicates the
// resulting pawn state to every client.
type Receiver struct {
	world      *game.World
	dispatcher *command.Dispatcher
	loop       Poster
	metrics    *metrics.Collector
	logger     *util.Logger

	// Players holds the host's local players.  When set, clients cannot
	// say hello as one of them.
	Players *player.Registry

	mu    sync.Mutex
	peers map[uuid.UUID]*remotePeer
}

// NewReceiver returns a receiver applying commands to world.  It takes
// over world.OnApplied for snapshot replication.
func NewReceiver(world *game.World, d *command.Dispatcher, loop Poster, m *metrics.Collector, logger *util.Logger) *Receiver {
	r := &Receiver{
		world:      world,
		dispatcher: d,
		loop:       loop,
		metrics:    m,
		logger:     logger.Named("receiver"),
		peers:      make(map[uuid.UUID]*remotePeer),
	}
	world.OnApplied = r.replicate
	return r
}

// Handle serves one client connection until it leaves or drops.
func (r *Receiver) Handle(ctx context.Context, conn wire.Conn) error {
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	hello, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("awaiting hello from %s: %w", conn.RemoteAddr(), err)
	}
	if hello.Type != wire.TypeHello {
		return fmt.Errorf("%w: first frame from %s is %s", wire.ErrInvalidFrame, conn.RemoteAddr(), hello.Type)
	}
	peer := hello.Peer

	if local, ok := r.localPlayer(peer); ok {
		r.logger.Warn("%s claims the peer id of local slot %d, asking it to leave", conn.RemoteAddr(), local.Slot)
		return conn.Send(wire.Frame{Type: wire.TypeLeave, Peer: peer, Reason: ReasonPeerInUse})
	}
	if !r.world.Spawn(peer) {
		r.logger.Warn("no pawn for %s, asking it to leave", peer)
		return conn.Send(wire.Frame{Type: wire.TypeLeave, Peer: peer, Reason: ReasonSessionFull})
	}
	p := r.register(peer, conn)
	defer r.unregister(peer, p)
	r.logger.Info("peer %s joined from %s", peer, conn.RemoteAddr())

	for {
		f, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("peer %s: %w", peer, err)
		}

		switch f.Type {
		case wire.TypeCommand:
			r.receiveCommand(peer, p, f)
		case wire.TypeLeave:
			r.logger.Info("peer %s left", peer)
			return nil
		case wire.TypeHello:
			r.logger.Debug("duplicate hello from %s", peer)
		default:
			r.logger.Warn("unexpected %s frame from %s", f.Type, peer)
		}
	}
}

func (r *Receiver) receiveCommand(peer uuid.UUID, p *remotePeer, f wire.Frame) {
	if f.Peer != peer {
		r.drop("command for %s on %s's connection", f.Peer, peer)
		return
	}
	if f.Seq <= p.lastSeq {
		r.drop("command seq %d from %s, last applied %d", f.Seq, peer, p.lastSeq)
		return
	}
	action, err := command.ParseAction(f.Action)
	if err != nil {
		r.drop("%v from %s", err, peer)
		return
	}
	p.lastSeq = f.Seq

	cmd := command.Command{Action: action, Issuer: command.PeerRef{ID: peer, Slot: f.Slot}}
	r.loop.Post(func() {
		r.dispatcher.Apply(cmd)
		r.metrics.CommandApplied()
	})
}

func (r *Receiver) localPlayer(peer uuid.UUID) (player.Context, bool) {
	if r.Players == nil {
		return player.Context{}, false
	}
	return r.Players.ByPeer(peer)
}

func (r *Receiver) drop(format string, args ...interface{}) {
	r.metrics.CommandDropped()
	r.logger.Verbose("dropping "+format, args...)
}

// replicate sends the issuer's pawn state to every client.
func (r *Receiver) replicate(_ command.Command, pawn game.Pawn) {
	snap := wire.Frame{
		Type:     wire.TypeSnapshot,
		Peer:     pawn.Peer,
		Velocity: &wire.Vector{X: pawn.Velocity.X, Y: pawn.Velocity.Y, Z: pawn.Velocity.Z},
	}
	for id, conn := range r.conns() {
		if err := conn.Send(snap); err != nil {
			r.logger.Verbose("snapshot to %s: %v", id, err)
		}
	}
}

// LeaveAll tells every client to leave the session.
func (r *Receiver) LeaveAll(reason string) {
	for id, conn := range r.conns() {
		if err := conn.Send(wire.Frame{Type: wire.TypeLeave, Peer: id, Reason: reason}); err != nil {
			r.logger.Verbose("leave to %s: %v", id, err)
		}
	}
}

// Peers returns the number of connected clients.
func (r *Receiver) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Receiver) conns() map[uuid.UUID]wire.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]wire.Conn, len(r.peers))
	for id, p := range r.peers {
		out[id] = p.conn
	}
	return out
}

func (r *Receiver) register(peer uuid.UUID, conn wire.Conn) *remotePeer {
	p := &remotePeer{conn: conn}
	r.mu.Lock()
	if old, ok := r.peers[peer]; ok {
		old.conn.Close()
	}
	r.peers[peer] = p
	r.mu.Unlock()
	r.metrics.PeerConnected()
	return p
}

func (r *Receiver) unregister(peer uuid.UUID, p *remotePeer) {
	r.mu.Lock()
	current := r.peers[peer] == p
	if current {
		delete(r.peers, peer)
	}
	r.mu.Unlock()
	r.metrics.PeerDisconnected()
	if current {
		r.world.Despawn(peer)
	}
}

// Serve accepts connections from accept until it fails and handles each
// on its own goroutine.  It returns nil once the listener is closed.
func (r *Receiver) Serve(ctx context.Context, accept func() (wire.Conn, error)) error {
	for {
		conn, err := accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ncerr.ErrLinkClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := r.Handle(ctx, conn); err != nil {
				r.logger.Warn("%v", err)
			}
		}()
	}
}

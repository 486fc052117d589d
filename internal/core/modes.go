package core

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"mpcore/internal/backend"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/player"
	"mpcore/internal/session"
)

// HostMode creates a session, serves peers and reads the console until
// the player quits or the session ends.
type HostMode struct {
	Instance *Instance
	Console  *Console // optional
}

// Run hosts until the instance finishes.
func (m *HostMode) Run(ctx context.Context) error {
	defer m.Instance.Close()
	startConsole(m.Console)
	return m.Instance.Run(ctx, m.Instance.Host)
}

// JoinMode joins the first session found and forwards console commands
// to its host.
type JoinMode struct {
	Instance *Instance
	Console  *Console // optional
}

// Run plays as a client until the instance finishes.
func (m *JoinMode) Run(ctx context.Context) error {
	defer m.Instance.Close()
	startConsole(m.Console)
	return m.Instance.Run(ctx, m.Instance.Join)
}

// FindMode lists advertised sessions and exits.
type FindMode struct {
	Instance *Instance
}

// Run searches once with the configured LAN flag.
func (m *FindMode) Run(ctx context.Context) error {
	defer m.Instance.Close()
	i := m.Instance
	return i.Run(ctx, func() error {
		lan := i.Flow.SessionConfig().LANEnabled
		i.Manager.FindSessions(i.Slot, lan, func(results []backend.SearchResult, err error) {
			if err != nil {
				i.Finish(fmt.Errorf("find sessions: %w", err))
				return
			}
			if len(results) == 0 {
				i.Finish(ncerr.ErrNoSessionFound)
				return
			}
			writeResults(i.Out, results)
			i.Finish(nil)
		})
		return nil
	})
}

// LoginMode logs the local player in, persisting the identity when an
// identity store is configured, and exits.  Without credentials it
// restores the stored identity.
type LoginMode struct {
	Instance    *Instance
	Credentials backend.Credentials
}

// Run logs in once.
func (m *LoginMode) Run(ctx context.Context) error {
	defer m.Instance.Close()
	i := m.Instance
	i.Flow.OnLogin = func(slot int, ok bool, identity string) {
		if !ok {
			i.Finish(fmt.Errorf("slot %d: %w", slot, ncerr.ErrAuthFailed))
			return
		}
		fmt.Fprintf(i.Out, "slot %d logged in as %s\n", slot, identity)
		i.Finish(nil)
	}
	return i.Run(ctx, func() error {
		if m.Credentials.ID != "" {
			return i.Flow.Login(i.Slot, m.Credentials)
		}
		issued, err := i.Manager.RestoreLogin(i.Slot)
		if err != nil {
			return err
		}
		if !issued {
			return fmt.Errorf("login: no stored identity for slot %d", i.Slot)
		}
		return nil
	})
}

func startConsole(c *Console) {
	if c == nil {
		return
	}
	go func() {
		if err := c.Run(); err != nil {
			c.Instance.Logger.Warn("console: %v", err)
		}
	}()
}

// writeResults prints one line per advertised session.
func writeResults(w io.Writer, results []backend.SearchResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tNAME\tMODE\tLEVEL\tOPEN\tHOST")
	for _, r := range results {
		name, _ := r.Settings.Text(backend.KeyCustomName)
		host, _ := r.Settings.Text(backend.KeyHostAddr)
		mode, _ := r.Settings.Int(backend.KeyGameMode)
		level, _ := r.Settings.Int(backend.KeyLevel)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.SessionID, name, session.GameMode(mode), player.Level(level),
			r.OpenConnections, r.Settings.MaxConnections(), host)
	}
	tw.Flush()
}

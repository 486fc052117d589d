package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"mpcore/internal/command"
)

// Console reads gameplay and session commands, one per line, and runs
// each on the instance's loop.
//
//	left, right   issue a gameplay action
//	leave         leave the current session
//	menu          toggle the in-game menu
//	status        print the local player and counters
//	quit          leave and exit
type Console struct {
	Instance *Instance

	// In defaults to os.Stdin; output goes to Instance.Out.
	In io.Reader
}

func (c *Console) stdin() io.Reader {
	if c.In != nil {
		return c.In
	}
	return os.Stdin
}

// Run reads until quit or end of input.  Both quit the instance.
func (c *Console) Run() error {
	sc := bufio.NewScanner(c.stdin())
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		c.Instance.Loop.Post(func() { c.exec(line) })
	}
	c.Instance.Loop.Post(c.Instance.Quit)
	return sc.Err()
}

func (c *Console) exec(line string) {
	i := c.Instance
	switch line {
	case "left", "right":
		action, _ := command.ParseAction(line)
		if err := i.Command(action); err != nil {
			c.printf("%s: %v\n", line, err)
		}
	case "leave":
		if !i.Flow.LeaveGame() {
			c.printf("not in a session\n")
		}
	case "menu":
		i.Players.ToggleInGameMenu(i.Slot)
		if local, ok := i.Players.Get(i.Slot); ok {
			c.printf("in-game menu shown: %v\n", local.ShowInGameMenu)
		}
	case "status":
		c.printf("%s", i.Status())
	default:
		c.printf("unknown command %q (want left, right, leave, menu, status or quit)\n", line)
	}
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.Instance.Out, format, args...)
}

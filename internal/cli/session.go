package cli

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/bandsox/bandsox/internal/agent"
)

// SessionCommand attaches an interactive PTY session to a VM: raw-mode
// stdin forwarded as session input, session output written through to
// the terminal.
type SessionCommand struct {
	VM string `arg:"" help:"VM id or name"`

	Command []string `arg:"" passthrough:"" optional:"" help:"Command to run (default: sh)"`
}

func (c *SessionCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()

	session, err := runningSession(rc, c.VM)
	if err != nil {
		return err
	}

	argv := c.Command
	if len(argv) == 0 {
		argv = []string{"sh"}
	}

	cols, rows := uint16(80), uint16(24)
	stdinFd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(stdinFd)
	if interactive {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			cols, rows = uint16(w), uint16(h)
		}
	}

	exitCh := make(chan int, 1)
	sessionID, err := session.StartSession(ctx, argv, agent.SessionOptions{
		Pty:  interactive,
		Cols: cols,
		Rows: rows,
		OnOutput: func(stream string, data []byte) {
			os.Stdout.Write(data)
		},
		OnExit: func(code int) {
			exitCh <- code
		},
	})
	if err != nil {
		return err
	}

	var restore func()
	if interactive {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(stdinFd, oldState) }
		defer restore()
	}

	// Forward stdin until the session exits or the context ends.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				session.SendInput(sessionID, buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case code := <-exitCh:
		if restore != nil {
			restore()
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	case <-ctx.Done():
		session.Kill(sessionID)
		return nil
	}
}

// Package serial implements the line-framed fallback protocol over the
// VMM's serial console. It is used when the guest agent never registers
// on vsock, or when the vsock control path dies and the guest does not
// reconnect. One JSON record per line; file payloads are base64-encoded
// inside the record with a hard size cap, no streaming. Throughput is
// not a goal here; correctness is.
package serial

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/wire"
)

// MaxTransferSize caps serial file transfers. Larger payloads must go
// over vsock.
const MaxTransferSize = 8 << 20

// A base64 record for an 8 MiB payload plus header slack.
const maxLineSize = MaxTransferSize/3*4 + 4096

// Events are the callbacks fired from the console read loop. Lines that
// do not parse as JSON are guest console output (kernel logs, early
// boot) and go to OnConsole.
type Events struct {
	OnRegister      func(wire.Register)
	OnExecResult    func(wire.ExecResult)
	OnSessionOutput func(wire.SessionOutput)
	OnSessionExit   func(wire.SessionExit)

	// OnReply receives success/error/pong records, correlated upstream
	// by envelope id.
	OnReply func(wire.Envelope)

	OnConsole func(line string)
}

type Bridge struct {
	events Events
	logger *log.Logger

	wmu    sync.Mutex
	w      io.Writer
	closed bool

	done chan struct{}
}

// NewBridge starts the console read loop on r and returns a bridge that
// writes host→guest records to w. The bridge owns neither stream; Close
// only stops dispatch.
func NewBridge(w io.Writer, r io.Reader, events Events, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.Default()
	}
	b := &Bridge{
		events: events,
		logger: logger.WithPrefix("serial"),
		w:      w,
		done:   make(chan struct{}),
	}
	go b.readLoop(r)
	return b
}

// Send writes one host→guest record.
func (b *Bridge) Send(v any) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if b.closed {
		return errdefs.New(errdefs.KindAgentDisconnected, "serial bridge closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode serial record")
	}
	if len(data) > maxLineSize {
		return errdefs.Newf(errdefs.KindInvalidArgument, "serial record of %d bytes exceeds the %d byte cap", len(data), maxLineSize)
	}
	if _, err := b.w.Write(append(data, '\n')); err != nil {
		return errdefs.Wrap(errdefs.KindAgentDisconnected, err, "write serial record")
	}
	return nil
}

// Close stops dispatching events. Idempotent.
func (b *Bridge) Close() {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bridge) readLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br)
		if err != nil {
			if !b.isClosed() && !errors.Is(err, io.EOF) &&
				!errors.Is(err, os.ErrClosed) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("console read ended", "err", err)
			}
			return
		}
		if b.isClosed() {
			return
		}
		b.dispatch(line)
	}
}

func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		frag, err := br.ReadString('\n')
		sb.WriteString(frag)
		if sb.Len() > maxLineSize {
			return "", errors.New("serial: line exceeds record cap")
		}
		if err == nil {
			s := sb.String()
			return s[:len(s)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return "", err
	}
}

func (b *Bridge) dispatch(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if trimmed[0] != '{' {
		if b.events.OnConsole != nil {
			b.events.OnConsole(line)
		}
		return
	}

	env, err := wire.ParseEnvelope([]byte(trimmed))
	if err != nil {
		// Kernel output can look brace-shaped; treat it as console noise.
		if b.events.OnConsole != nil {
			b.events.OnConsole(line)
		}
		return
	}

	switch env.Type {
	case wire.TypeRegister:
		var reg wire.Register
		if env.Decode(&reg) == nil && b.events.OnRegister != nil {
			b.events.OnRegister(reg)
		}
	case wire.TypeExecResult:
		var res wire.ExecResult
		if env.Decode(&res) == nil && b.events.OnExecResult != nil {
			b.events.OnExecResult(res)
		}
	case wire.TypeSessionOutput:
		var out wire.SessionOutput
		if env.Decode(&out) == nil && b.events.OnSessionOutput != nil {
			b.events.OnSessionOutput(out)
		}
	case wire.TypeSessionExit:
		var exit wire.SessionExit
		if env.Decode(&exit) == nil && b.events.OnSessionExit != nil {
			b.events.OnSessionExit(exit)
		}
	case wire.TypeSuccess, wire.TypeError, wire.TypePong:
		if b.events.OnReply != nil {
			b.events.OnReply(env)
		}
	default:
		b.logger.Debug("ignoring unknown serial record", "type", env.Type)
	}
}

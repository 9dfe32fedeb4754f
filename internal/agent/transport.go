package agent

import (
	"bufio"
	"context"
	"sync"

	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/serial"
	"github.com/bandsox/bandsox/internal/wire"
)

// DefaultGuestPort is the fixed AF_VSOCK port the guest agent accepts
// host-initiated control connections on.
const DefaultGuestPort uint32 = 10700

// Transport is the capability for reaching the guest agent. Two
// implementations exist: vsock (preferred) and serial (fallback).
// AgentSession owns one reference, upgraded and downgraded on
// registration events.
type Transport interface {
	Kind() string

	// Request sends one control message and returns the peer's
	// immediate reply envelope.
	Request(ctx context.Context, id string, v any) (wire.Envelope, error)

	// Notify sends without waiting for a reply.
	Notify(ctx context.Context, v any) error

	// MaxTransferSize is the file payload cap; 0 means unbounded.
	MaxTransferSize() int64
}

// vsockTransport opens one connection per logical operation through the
// VMM's hybrid vsock endpoint: a CONNECT handshake on the base UDS
// proxied to the guest's listening port.
type vsockTransport struct {
	udsPath   string
	guestPort uint32
}

func NewVsockTransport(udsPath string, guestPort uint32) Transport {
	if guestPort == 0 {
		guestPort = DefaultGuestPort
	}
	return &vsockTransport{udsPath: udsPath, guestPort: guestPort}
}

func (t *vsockTransport) Kind() string { return "vsock" }

func (t *vsockTransport) MaxTransferSize() int64 { return 0 }

func (t *vsockTransport) Request(ctx context.Context, id string, v any) (wire.Envelope, error) {
	conn, err := fcvsock.DialContext(ctx, t.udsPath, t.guestPort)
	if err != nil {
		return wire.Envelope{}, errdefs.Wrap(errdefs.KindAgentDisconnected, err, "dial guest control port")
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := wire.WriteMessage(conn, v); err != nil {
		return wire.Envelope{}, errdefs.Wrap(errdefs.KindAgentDisconnected, err, "send control message")
	}
	env, err := wire.ReadEnvelope(bufio.NewReader(conn))
	if err != nil {
		return wire.Envelope{}, errdefs.Wrap(errdefs.KindAgentDisconnected, err, "read control reply")
	}
	return env, nil
}

func (t *vsockTransport) Notify(ctx context.Context, v any) error {
	conn, err := fcvsock.DialContext(ctx, t.udsPath, t.guestPort)
	if err != nil {
		return errdefs.Wrap(errdefs.KindAgentDisconnected, err, "dial guest control port")
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return wire.WriteMessage(conn, v)
}

// SerialTransport multiplexes control messages over the console bridge.
// Replies arrive asynchronously on the console read loop and are
// correlated by id; HandleReply is wired to the bridge's OnReply event.
type SerialTransport struct {
	bridge *serial.Bridge

	mu      sync.Mutex
	waiters map[string]chan wire.Envelope
}

func NewSerialTransport(bridge *serial.Bridge) *SerialTransport {
	return &SerialTransport{
		bridge:  bridge,
		waiters: make(map[string]chan wire.Envelope),
	}
}

func (t *SerialTransport) Kind() string { return "serial" }

func (t *SerialTransport) MaxTransferSize() int64 { return serial.MaxTransferSize }

func (t *SerialTransport) HandleReply(env wire.Envelope) {
	t.mu.Lock()
	ch, ok := t.waiters[env.ID]
	if ok {
		delete(t.waiters, env.ID)
	}
	t.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (t *SerialTransport) Request(ctx context.Context, id string, v any) (wire.Envelope, error) {
	ch := make(chan wire.Envelope, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()

	unregister := func() {
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
	}

	if err := t.bridge.Send(v); err != nil {
		unregister()
		return wire.Envelope{}, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		unregister()
		return wire.Envelope{}, errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), "serial reply")
	}
}

func (t *SerialTransport) Notify(_ context.Context, v any) error {
	return t.bridge.Send(v)
}

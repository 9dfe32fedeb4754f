// Package vsock implements the host side of the guest-initiated vsock
// plane. The VMM proxies in-guest AF_VSOCK connects targeting (CID=2,
// port) to Unix sockets at "{uds_path}_{port}"; this package binds those
// sockets, accepts connections, and dispatches decoded messages to the
// per-VM handler. Each accepted connection carries exactly one
// request-response exchange; streaming transfers span multiple BODY
// frames on the same connection.
package vsock

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/wire"
)

const (
	idleTimeout = 60 * time.Second

	// Handler pool bound and admission queue cap. Connections past the
	// queue cap evict the oldest idle connection.
	maxWorkers   = 64
	maxQueueSize = 256
)

// Handlers are the per-VM callbacks dispatched from the accept path.
// Nil event callbacks are skipped and the message is still acknowledged;
// a nil UploadDest or DownloadSource answers the transfer with an error.
type Handlers struct {
	OnRegister      func(wire.Register)
	OnExecResult    func(wire.ExecResult)
	OnSessionOutput func(wire.SessionOutput)
	OnSessionExit   func(wire.SessionExit)

	// UploadDest resolves the host path a guest-initiated upload with
	// the given correlation id lands at. UploadDone fires once the
	// transfer has been verified and committed (or failed).
	UploadDest func(id, guestPath string) (string, error)
	UploadDone func(id string, size int64, err error)

	// DownloadSource resolves the host file streamed to the guest for
	// the given correlation id. DownloadDone fires after the guest
	// acknowledges with a complete message (or the transfer failed).
	DownloadSource func(id, guestPath string) (string, error)
	DownloadDone   func(id string, err error)
}

type Listener struct {
	base     string
	handlers Handlers
	logger   *log.Logger

	sem     *semaphore.Weighted
	waiting atomic.Int64

	mu        sync.Mutex
	ports     []uint16
	listeners map[uint16]net.Listener
	conns     map[net.Conn]time.Time
	closed    bool
}

// New creates a listener for the vsock UDS base path. Bind starts
// serving individual ports.
func New(base string, handlers Handlers, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		base:      base,
		handlers:  handlers,
		logger:    logger.WithPrefix("vsock"),
		sem:       semaphore.NewWeighted(maxWorkers),
		listeners: make(map[uint16]net.Listener),
		conns:     make(map[net.Conn]time.Time),
	}
}

// PortPath returns the UDS path the VMM proxies the given guest port to.
func PortPath(base string, port uint16) string {
	return fmt.Sprintf("%s_%d", base, port)
}

// Bind creates the UDS listener for port and starts its accept loop.
func (l *Listener) Bind(port uint16) error {
	path := PortPath(l.base, port)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create vsock directory")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errdefs.Wrap(errdefs.KindIoError, err, "remove stale vsock socket")
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("bind %s", path))
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		ln.Close()
		os.Remove(path)
		return errdefs.New(errdefs.KindStateConflict, "listener closed")
	}
	l.listeners[port] = ln
	found := false
	for _, p := range l.ports {
		if p == port {
			found = true
			break
		}
	}
	if !found {
		l.ports = append(l.ports, port)
	}
	l.mu.Unlock()

	go l.acceptLoop(port, ln, path)
	l.logger.Debug("listening", "path", path)
	return nil
}

// Suspend closes the listening sockets but keeps the port configuration
// so Resume can re-bind. Used while the VMM quiesces its vsock backend
// around snapshot creation.
func (l *Listener) Suspend() {
	l.mu.Lock()
	for port, ln := range l.listeners {
		ln.Close()
		os.Remove(PortPath(l.base, port))
		delete(l.listeners, port)
	}
	l.mu.Unlock()
}

// Resume re-binds every configured port after a Suspend.
func (l *Listener) Resume() error {
	l.mu.Lock()
	ports := append([]uint16(nil), l.ports...)
	l.mu.Unlock()
	for _, port := range ports {
		if err := l.Bind(port); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down all listeners and in-flight connections. Blocked
// waiters upstream observe the closed connections as disconnects.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for port, ln := range l.listeners {
		ln.Close()
		os.Remove(PortPath(l.base, port))
		delete(l.listeners, port)
	}
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(port uint16, ln net.Listener, path string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Error("accept failed", "path", path, "err", err)
			}
			return
		}

		if l.waiting.Load() >= maxQueueSize {
			l.evictOldestIdle()
		}

		l.track(conn)
		l.waiting.Add(1)
		go func() {
			defer l.waiting.Add(-1)
			// The accept path never blocks on user code; handlers run
			// in the bounded pool with the queue providing backpressure.
			if err := l.sem.Acquire(context.Background(), 1); err != nil {
				conn.Close()
				l.untrack(conn)
				return
			}
			defer l.sem.Release(1)
			l.handleConn(conn, port)
		}()
	}
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = time.Now()
	l.mu.Unlock()
}

func (l *Listener) touch(conn net.Conn) {
	l.mu.Lock()
	if _, ok := l.conns[conn]; ok {
		l.conns[conn] = time.Now()
	}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) evictOldestIdle() {
	l.mu.Lock()
	var oldest net.Conn
	var oldestAt time.Time
	for conn, at := range l.conns {
		if oldest == nil || at.Before(oldestAt) {
			oldest = conn
			oldestAt = at
		}
	}
	l.mu.Unlock()
	if oldest != nil {
		l.logger.Warn("connection queue full, evicting oldest idle connection")
		oldest.Close()
	}
}

func (l *Listener) handleConn(conn net.Conn, port uint16) {
	defer conn.Close()
	defer l.untrack(conn)

	conn.SetDeadline(time.Now().Add(idleTimeout))
	br := bufio.NewReader(conn)

	env, err := wire.ReadEnvelope(br)
	if err != nil {
		// Malformed JSON drops the connection without a reply.
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			l.logger.Debug("dropping connection", "port", port, "err", err)
		}
		return
	}
	l.touch(conn)

	switch env.Type {
	case wire.TypePing:
		wire.WriteMessage(conn, wire.Pong{Type: wire.TypePong, ID: env.ID})

	case wire.TypeRegister:
		var reg wire.Register
		if err := env.Decode(&reg); err != nil {
			return
		}
		if l.handlers.OnRegister != nil {
			l.handlers.OnRegister(reg)
		}
		wire.WriteMessage(conn, wire.Success{Type: wire.TypeSuccess, ID: env.ID})

	case wire.TypeExecResult:
		var res wire.ExecResult
		if err := env.Decode(&res); err != nil {
			return
		}
		if l.handlers.OnExecResult != nil {
			l.handlers.OnExecResult(res)
		}
		wire.WriteMessage(conn, wire.Success{Type: wire.TypeSuccess, ID: env.ID})

	case wire.TypeSessionOutput:
		var out wire.SessionOutput
		if err := env.Decode(&out); err != nil {
			return
		}
		if l.handlers.OnSessionOutput != nil {
			l.handlers.OnSessionOutput(out)
		}

	case wire.TypeSessionExit:
		var exit wire.SessionExit
		if err := env.Decode(&exit); err != nil {
			return
		}
		if l.handlers.OnSessionExit != nil {
			l.handlers.OnSessionExit(exit)
		}

	case wire.TypeUpload:
		var up wire.Upload
		if err := env.Decode(&up); err != nil {
			return
		}
		l.handleUpload(conn, br, up)

	case wire.TypeDownload:
		var down wire.Download
		if err := env.Decode(&down); err != nil {
			return
		}
		l.handleDownload(conn, br, down)

	default:
		wire.WriteMessage(conn, wire.Error{
			Type: wire.TypeError,
			ID:   env.ID,
			Code: wire.ErrCodeUnsupported,
		})
	}
}

// handleUpload receives a guest-pushed file: reply ready, stream BODY
// frames to a temp file, verify size and MD5, then rename into place so
// a failed transfer never leaves a partial file.
func (l *Listener) handleUpload(conn net.Conn, br *bufio.Reader, up wire.Upload) {
	fail := func(err error) {
		wire.WriteMessage(conn, wire.Error{Type: wire.TypeError, ID: up.ID, Error: err.Error()})
		if l.handlers.UploadDone != nil {
			l.handlers.UploadDone(up.ID, 0, err)
		}
	}

	if l.handlers.UploadDest == nil {
		fail(errdefs.New(errdefs.KindInvalidArgument, "uploads not accepted"))
		return
	}
	dest, err := l.handlers.UploadDest(up.ID, up.Path)
	if err != nil {
		fail(err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "create destination directory"))
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "create temp file"))
		return
	}
	defer os.Remove(tmp.Name())

	if err := wire.WriteMessage(conn, wire.Ready{Type: wire.TypeReady, ID: up.ID}); err != nil {
		tmp.Close()
		return
	}

	sum := md5.New()
	conn.SetDeadline(time.Now().Add(idleTimeout))
	if err := wire.ReadBody(io.MultiWriter(tmp, sum), br, up.Size); err != nil {
		tmp.Close()
		fail(errdefs.Wrap(errdefs.KindIoError, err, "receive upload body"))
		return
	}
	l.touch(conn)
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		fail(errdefs.Wrap(errdefs.KindIoError, err, "fsync upload"))
		return
	}
	if err := tmp.Close(); err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "close upload"))
		return
	}

	if got := hex.EncodeToString(sum.Sum(nil)); got != up.ChecksumMD5 {
		fail(errdefs.Newf(errdefs.KindChecksumMismatch, "upload %s: declared %s, computed %s", up.Path, up.ChecksumMD5, got))
		return
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "commit upload"))
		return
	}
	if up.Mode != 0 {
		os.Chmod(dest, os.FileMode(up.Mode))
	}

	wire.WriteMessage(conn, wire.Success{Type: wire.TypeSuccess, ID: up.ID, Size: up.Size})
	if l.handlers.UploadDone != nil {
		l.handlers.UploadDone(up.ID, up.Size, nil)
	}
}

// handleDownload streams a host file to the guest: reply ready with size
// and MD5, stream BODY frames, then wait for the guest's complete.
func (l *Listener) handleDownload(conn net.Conn, br *bufio.Reader, down wire.Download) {
	fail := func(err error) {
		wire.WriteMessage(conn, wire.Error{Type: wire.TypeError, ID: down.ID, Error: err.Error()})
		if l.handlers.DownloadDone != nil {
			l.handlers.DownloadDone(down.ID, err)
		}
	}

	if l.handlers.DownloadSource == nil {
		fail(errdefs.New(errdefs.KindInvalidArgument, "downloads not accepted"))
		return
	}
	src, err := l.handlers.DownloadSource(down.ID, down.Path)
	if err != nil {
		fail(err)
		return
	}

	f, err := os.Open(src)
	if err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "open download source"))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "stat download source"))
		return
	}
	size := info.Size()

	sum := md5.New()
	if _, err := io.Copy(sum, f); err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "checksum download source"))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		fail(errdefs.Wrap(errdefs.KindIoError, err, "rewind download source"))
		return
	}

	ready := wire.Ready{
		Type:        wire.TypeReady,
		ID:          down.ID,
		Size:        size,
		ChecksumMD5: hex.EncodeToString(sum.Sum(nil)),
	}
	if err := wire.WriteMessage(conn, ready); err != nil {
		return
	}

	conn.SetDeadline(time.Now().Add(idleTimeout))
	if err := wire.CopyBody(conn, f, size); err != nil {
		if l.handlers.DownloadDone != nil {
			l.handlers.DownloadDone(down.ID, errdefs.Wrap(errdefs.KindIoError, err, "stream download body"))
		}
		return
	}
	l.touch(conn)

	conn.SetDeadline(time.Now().Add(idleTimeout))
	env, err := wire.ReadEnvelope(br)
	if err != nil || env.Type != wire.TypeComplete {
		if l.handlers.DownloadDone != nil {
			l.handlers.DownloadDone(down.ID, errdefs.Newf(errdefs.KindAgentDisconnected, "download %s: no completion from guest", down.Path))
		}
		return
	}
	if l.handlers.DownloadDone != nil {
		l.handlers.DownloadDone(down.ID, nil)
	}
}

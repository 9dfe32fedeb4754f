// Package agent multiplexes exec, interactive-session, and file-op
// requests for one VM over whichever transport the guest currently
// offers. The session starts serial-only and upgrades to vsock when the
// guest's register message arrives; it downgrades again if the vsock
// plane dies.
package agent

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.jetify.com/typeid"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/serial"
	"github.com/bandsox/bandsox/internal/vsock"
	"github.com/bandsox/bandsox/internal/wire"
)

const (
	// RegistrationGrace is how long boot waits for the guest's register
	// message before falling back to serial.
	RegistrationGrace = 5 * time.Second

	minTransferTimeout   = 60 * time.Second
	perMiBTransferBudget = 30 * time.Second

	// Interactive-session output buffered on the host is bounded; the
	// session's OnOutput callback still receives every chunk.
	maxBufferedOutput = 1 << 20
)

// ExitError reports a non-zero exit code from a strict exec.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// ExecSpec describes one command execution.
type ExecSpec struct {
	Argv    []string
	Env     []string
	Cwd     string
	Timeout time.Duration
	Pty     bool
	Cols    uint16
	Rows    uint16

	// OnOutput receives streamed output chunks before Exec returns.
	OnOutput func(stream string, data []byte)

	// Strict makes a non-zero exit code an *ExitError.
	Strict bool
}

// sessionState tracks one interactive session.
type sessionState struct {
	id       string
	onOutput func(stream string, data []byte)
	onExit   func(code int)

	buf      []byte
	exitCode *int
}

type transferWaiter struct {
	ch chan error
}

// Session is the per-VM request multiplexer. All public operations are
// safe for concurrent use; each takes the map lock only to register its
// waiter and then blocks on a per-operation channel.
type Session struct {
	vmID   string
	logger *log.Logger

	mu         sync.Mutex
	transport  Transport
	vsockT     Transport
	serialT    *SerialTransport
	vsockLive  bool
	closed     bool
	registered chan struct{}
	regOnce    sync.Once

	execWaiters map[string]chan wire.ExecResult
	execOutputs map[string]func(stream string, data []byte)
	sessions    map[string]*sessionState

	// Pending file transfers, keyed by correlation id. uploadSources
	// feed guest-initiated downloads (host → guest); downloadSinks
	// receive guest-initiated uploads (guest → host).
	uploadSources map[string]string
	downloadSinks map[string]string
	transfers     map[string]*transferWaiter
}

func NewSession(vmID string, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		vmID:          vmID,
		logger:        logger.WithPrefix("agent").With("vm", vmID),
		registered:    make(chan struct{}),
		execWaiters:   make(map[string]chan wire.ExecResult),
		execOutputs:   make(map[string]func(string, []byte)),
		sessions:      make(map[string]*sessionState),
		uploadSources: make(map[string]string),
		downloadSinks: make(map[string]string),
		transfers:     make(map[string]*transferWaiter),
	}
}

// AttachVsock installs the vsock transport used once the guest
// registers.
func (s *Session) AttachVsock(t Transport) {
	s.mu.Lock()
	s.vsockT = t
	s.mu.Unlock()
}

// AttachSerial installs the serial fallback transport.
func (s *Session) AttachSerial(t *SerialTransport) {
	s.mu.Lock()
	s.serialT = t
	if s.transport == nil {
		s.transport = t
	}
	s.mu.Unlock()
}

// VsockHandlers returns the callbacks the host vsock listener dispatches
// into this session.
func (s *Session) VsockHandlers() vsock.Handlers {
	return vsock.Handlers{
		OnRegister:      s.handleRegister,
		OnExecResult:    s.handleExecResult,
		OnSessionOutput: s.handleSessionOutput,
		OnSessionExit:   s.handleSessionExit,
		UploadDest:      s.uploadDest,
		UploadDone:      s.uploadDone,
		DownloadSource:  s.downloadSource,
		DownloadDone:    s.downloadDone,
	}
}

// SerialEvents returns the callbacks the serial bridge dispatches into
// this session.
func (s *Session) SerialEvents() serial.Events {
	return serial.Events{
		OnRegister:      s.handleRegister,
		OnExecResult:    s.handleExecResult,
		OnSessionOutput: s.handleSessionOutput,
		OnSessionExit:   s.handleSessionExit,
		OnReply: func(env wire.Envelope) {
			s.mu.Lock()
			st := s.serialT
			s.mu.Unlock()
			if st != nil {
				st.HandleReply(env)
			}
		},
	}
}

// AwaitRegistration blocks until the guest registers on vsock or the
// grace period expires. Returns true for a vsock-capable agent.
func (s *Session) AwaitRegistration(ctx context.Context, grace time.Duration) bool {
	if grace <= 0 {
		grace = RegistrationGrace
	}
	select {
	case <-s.registered:
		return true
	case <-time.After(grace):
		return false
	case <-ctx.Done():
		return false
	}
}

// VsockLive reports whether the vsock transport is currently preferred.
func (s *Session) VsockLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vsockLive
}

// MarkRegistered force-registers the session, used on restore where the
// guest's in-memory agent is already past its register handshake.
func (s *Session) MarkRegistered() {
	s.handleRegister(wire.Register{AgentVersion: "restored"})
}

// DowngradeToSerial drops the vsock preference after a transport
// failure; file ops revert to the serial caps.
func (s *Session) DowngradeToSerial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.vsockLive {
		return
	}
	s.vsockLive = false
	if s.serialT != nil {
		s.transport = s.serialT
	}
	s.logger.Warn("vsock transport lost, downgrading to serial")
}

func (s *Session) handleRegister(reg wire.Register) {
	s.mu.Lock()
	s.vsockLive = s.vsockT != nil
	if s.vsockT != nil {
		s.transport = s.vsockT
	}
	s.mu.Unlock()
	s.regOnce.Do(func() { close(s.registered) })
	s.logger.Info("guest agent registered", "version", reg.AgentVersion, "capabilities", reg.Capabilities)
}

func (s *Session) handleExecResult(res wire.ExecResult) {
	s.mu.Lock()
	ch, ok := s.execWaiters[res.CmdID]
	if ok {
		delete(s.execWaiters, res.CmdID)
	}
	delete(s.execOutputs, res.CmdID)
	s.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (s *Session) handleSessionOutput(out wire.SessionOutput) {
	data, err := base64.StdEncoding.DecodeString(out.DataB64)
	if err != nil {
		s.logger.Warn("undecodable session output", "session", out.SessionID)
		return
	}

	s.mu.Lock()
	// Exec output streams under the cmd id.
	if cb, ok := s.execOutputs[out.SessionID]; ok {
		s.mu.Unlock()
		if cb != nil {
			cb(out.Stream, data)
		}
		return
	}
	st, ok := s.sessions[out.SessionID]
	if ok {
		if len(st.buf) < maxBufferedOutput {
			st.buf = append(st.buf, data...)
		}
	}
	s.mu.Unlock()
	if ok && st.onOutput != nil {
		st.onOutput(out.Stream, data)
	}
}

func (s *Session) handleSessionExit(exit wire.SessionExit) {
	s.mu.Lock()
	st, ok := s.sessions[exit.SessionID]
	if ok {
		code := exit.ExitCode
		st.exitCode = &code
	}
	s.mu.Unlock()
	if ok && st.onExit != nil {
		st.onExit(exit.ExitCode)
	}
}

func (s *Session) uploadDest(id, guestPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dest, ok := s.downloadSinks[id]; ok {
		return dest, nil
	}
	return "", errdefs.Newf(errdefs.KindInvalidArgument, "no pending transfer for id %s", id)
}

func (s *Session) uploadDone(id string, _ int64, err error) {
	s.finishTransfer(id, err)
}

func (s *Session) downloadSource(id, guestPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.uploadSources[id]; ok {
		return src, nil
	}
	return "", errdefs.Newf(errdefs.KindInvalidArgument, "no pending transfer for id %s", id)
}

func (s *Session) downloadDone(id string, err error) {
	s.finishTransfer(id, err)
}

func (s *Session) finishTransfer(id string, err error) {
	s.mu.Lock()
	w, ok := s.transfers[id]
	if ok {
		delete(s.transfers, id)
	}
	delete(s.uploadSources, id)
	delete(s.downloadSinks, id)
	s.mu.Unlock()
	if ok {
		w.ch <- err
	}
}

func (s *Session) currentTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errdefs.New(errdefs.KindAgentDisconnected, "session closed")
	}
	if s.transport == nil {
		return nil, errdefs.New(errdefs.KindAgentDisconnected, "no transport to guest agent")
	}
	return s.transport, nil
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		// typeid only fails on invalid prefixes, which would be a bug.
		panic(err)
	}
	return id.String()
}

// Exec runs argv in the guest and blocks until the agent reports the
// exit code or the deadline expires. On timeout the implicit session is
// killed best-effort and partial output has already been drained to the
// callback.
func (s *Session) Exec(ctx context.Context, spec ExecSpec) (int, error) {
	if len(spec.Argv) == 0 {
		return -1, errdefs.New(errdefs.KindInvalidArgument, "empty argv")
	}
	t, err := s.currentTransport()
	if err != nil {
		return -1, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdID := newID("cmd")
	ch := make(chan wire.ExecResult, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return -1, errdefs.New(errdefs.KindAgentDisconnected, "session closed")
	}
	s.execWaiters[cmdID] = ch
	s.execOutputs[cmdID] = spec.OnOutput
	s.mu.Unlock()

	unregister := func() {
		s.mu.Lock()
		delete(s.execWaiters, cmdID)
		delete(s.execOutputs, cmdID)
		s.mu.Unlock()
	}

	msg := wire.Exec{
		Type:      wire.TypeExec,
		ID:        cmdID,
		CmdID:     cmdID,
		Argv:      spec.Argv,
		Env:       spec.Env,
		Cwd:       spec.Cwd,
		TimeoutMs: timeout.Milliseconds(),
		Pty:       spec.Pty,
		Cols:      spec.Cols,
		Rows:      spec.Rows,
	}
	if err := t.Notify(ctx, msg); err != nil {
		unregister()
		return -1, err
	}

	select {
	case res := <-ch:
		if spec.OnOutput != nil {
			if res.StdoutTail != "" {
				spec.OnOutput("stdout", []byte(res.StdoutTail))
			}
			if res.StderrTail != "" {
				spec.OnOutput("stderr", []byte(res.StderrTail))
			}
		}
		if res.Error != "" {
			return res.ExitCode, errdefs.Newf(errdefs.KindAgentDisconnected, "agent error: %s", res.Error)
		}
		if spec.Strict && res.ExitCode != 0 {
			return res.ExitCode, &ExitError{Code: res.ExitCode}
		}
		return res.ExitCode, nil

	case <-ctx.Done():
		unregister()
		// Kill the implicit session so the command does not linger.
		s.Kill(cmdID)
		if s.isClosed() {
			return -1, errdefs.New(errdefs.KindAgentDisconnected, "session closed during exec")
		}
		return -1, errdefs.Newf(errdefs.KindTimeout, "exec %v did not complete within %s", spec.Argv, timeout)
	}
}

// SessionOptions configures an interactive session.
type SessionOptions struct {
	Pty      bool
	Cols     uint16
	Rows     uint16
	OnOutput func(stream string, data []byte)
	OnExit   func(code int)
}

// StartSession launches an interactive session and returns its id once
// the agent acknowledges.
func (s *Session) StartSession(ctx context.Context, argv []string, opts SessionOptions) (string, error) {
	if len(argv) == 0 {
		return "", errdefs.New(errdefs.KindInvalidArgument, "empty argv")
	}
	t, err := s.currentTransport()
	if err != nil {
		return "", err
	}

	sessionID := newID("sess")
	st := &sessionState{id: sessionID, onOutput: opts.OnOutput, onExit: opts.OnExit}
	s.mu.Lock()
	s.sessions[sessionID] = st
	s.mu.Unlock()

	msg := wire.SessionStart{
		Type:      wire.TypeSessionStart,
		ID:        sessionID,
		SessionID: sessionID,
		Argv:      argv,
		Pty:       opts.Pty,
		Cols:      opts.Cols,
		Rows:      opts.Rows,
	}
	env, err := t.Request(ctx, sessionID, msg)
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return "", err
	}
	if env.Type == wire.TypeError {
		var e wire.Error
		env.Decode(&e)
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return "", errdefs.Newf(errdefs.KindInvalidArgument, "agent rejected session: %s", e.Error)
	}
	return sessionID, nil
}

// SendInput forwards stdin bytes to a session. Fire-and-forget.
func (s *Session) SendInput(sessionID string, data []byte) {
	s.notify(wire.SessionInput{
		Type:      wire.TypeSessionInput,
		ID:        sessionID,
		SessionID: sessionID,
		DataB64:   base64.StdEncoding.EncodeToString(data),
	})
}

// Signal delivers a signal to a session. Fire-and-forget.
func (s *Session) Signal(sessionID string, signum int) {
	s.notify(wire.SessionSignal{
		Type:      wire.TypeSessionSignal,
		ID:        sessionID,
		SessionID: sessionID,
		Signum:    signum,
	})
}

// Resize adjusts a PTY session's window. Fire-and-forget.
func (s *Session) Resize(sessionID string, cols, rows uint16) {
	s.notify(wire.SessionResize{
		Type:      wire.TypeSessionResize,
		ID:        sessionID,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// Kill terminates a session. Fire-and-forget.
func (s *Session) Kill(sessionID string) {
	s.notify(wire.SessionKill{
		Type:      wire.TypeSessionKill,
		ID:        sessionID,
		SessionID: sessionID,
	})
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// KillAll terminates every tracked session, used as the stop barrier.
func (s *Session) KillAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Kill(id)
	}
}

func (s *Session) notify(v any) {
	t, err := s.currentTransport()
	if err != nil {
		s.logger.Warn("dropping control message", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Notify(ctx, v); err != nil {
		s.logger.Warn("control message failed", "err", err)
	}
}

// transferTimeout scales with payload size: max(60s, 30s per MiB).
func transferTimeout(size int64) time.Duration {
	mib := int64(math.Ceil(float64(size) / (1 << 20)))
	budget := time.Duration(mib) * perMiBTransferBudget
	if budget < minTransferTimeout {
		return minTransferTimeout
	}
	return budget
}

// UploadFile copies a host file into the guest. Over vsock the guest
// pulls the staged file through a fresh download connection; over
// serial the payload rides base64-encoded in one record.
func (s *Session) UploadFile(ctx context.Context, localPath, remotePath string, timeout time.Duration) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "stat upload source")
	}
	t, err := s.currentTransport()
	if err != nil {
		return err
	}
	if limit := t.MaxTransferSize(); limit > 0 && info.Size() > limit {
		return errdefs.Newf(errdefs.KindInvalidArgument,
			"%d byte upload exceeds the %d byte serial cap; vsock transport unavailable", info.Size(), limit)
	}

	if timeout <= 0 {
		timeout = transferTimeout(info.Size())
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := newID("xfer")
	if t.Kind() == "serial" {
		return s.uploadSerial(ctx, t, id, localPath, remotePath, info.Size())
	}

	w := &transferWaiter{ch: make(chan error, 1)}
	s.mu.Lock()
	s.uploadSources[id] = localPath
	s.transfers[id] = w
	s.mu.Unlock()

	msg := wire.WriteFile{Type: wire.TypeWriteFile, ID: id, Path: remotePath}
	env, err := t.Request(ctx, id, msg)
	if err != nil {
		s.finishTransfer(id, err)
		<-w.ch
		return err
	}
	if env.Type == wire.TypeError {
		var e wire.Error
		env.Decode(&e)
		s.finishTransfer(id, nil)
		<-w.ch
		return errdefs.Newf(errdefs.KindIoError, "guest rejected upload: %s", e.Error)
	}

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		s.finishTransfer(id, nil)
		<-w.ch
		return errdefs.Newf(errdefs.KindTimeout, "upload %s did not complete within %s", remotePath, timeout)
	}
}

func (s *Session) uploadSerial(ctx context.Context, t Transport, id, localPath, remotePath string, size int64) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "read upload source")
	}
	sum := md5.Sum(data)
	msg := wire.Upload{
		Type:        wire.TypeUpload,
		ID:          id,
		Path:        remotePath,
		Size:        size,
		ChecksumMD5: hex.EncodeToString(sum[:]),
		DataB64:     base64.StdEncoding.EncodeToString(data),
	}
	env, err := t.Request(ctx, id, msg)
	if err != nil {
		return err
	}
	if env.Type == wire.TypeError {
		var e wire.Error
		env.Decode(&e)
		return errdefs.Newf(errdefs.KindIoError, "serial upload failed: %s", e.Error)
	}
	return nil
}

// DownloadFile copies a guest file to the host. Over vsock the guest
// pushes through a fresh upload connection, verified by MD5 on the host
// before the file is committed.
func (s *Session) DownloadFile(ctx context.Context, remotePath, localPath string, timeout time.Duration) error {
	t, err := s.currentTransport()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = minTransferTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := newID("xfer")
	if t.Kind() == "serial" {
		return s.downloadSerial(ctx, t, id, remotePath, localPath)
	}

	w := &transferWaiter{ch: make(chan error, 1)}
	s.mu.Lock()
	s.downloadSinks[id] = localPath
	s.transfers[id] = w
	s.mu.Unlock()

	msg := wire.ReadFile{Type: wire.TypeReadFile, ID: id, Path: remotePath}
	env, err := t.Request(ctx, id, msg)
	if err != nil {
		s.finishTransfer(id, err)
		<-w.ch
		return err
	}
	if env.Type == wire.TypeError {
		var e wire.Error
		env.Decode(&e)
		s.finishTransfer(id, nil)
		<-w.ch
		return errdefs.Newf(errdefs.KindIoError, "guest rejected download: %s", e.Error)
	}

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		s.finishTransfer(id, nil)
		<-w.ch
		return errdefs.Newf(errdefs.KindTimeout, "download %s did not complete within %s", remotePath, timeout)
	}
}

func (s *Session) downloadSerial(ctx context.Context, t Transport, id, remotePath, localPath string) error {
	msg := wire.Download{Type: wire.TypeDownload, ID: id, Path: remotePath}
	env, err := t.Request(ctx, id, msg)
	if err != nil {
		return err
	}
	if env.Type == wire.TypeError {
		var e wire.Error
		env.Decode(&e)
		return errdefs.Newf(errdefs.KindIoError, "serial download failed: %s", e.Error)
	}
	var reply wire.Success
	if err := env.Decode(&reply); err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "decode serial download reply")
	}
	data, err := base64.StdEncoding.DecodeString(reply.DataB64)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "decode serial download payload")
	}
	if reply.ChecksumMD5 != "" {
		sum := md5.Sum(data)
		if got := hex.EncodeToString(sum[:]); got != reply.ChecksumMD5 {
			return errdefs.Newf(errdefs.KindChecksumMismatch, "download %s: declared %s, computed %s", remotePath, reply.ChecksumMD5, got)
		}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create download directory")
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "write download")
	}
	return nil
}

// GetFileContents is the small-file convenience helper.
func (s *Session) GetFileContents(ctx context.Context, remotePath string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "bandsox-file-*")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "create temp file")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := s.DownloadFile(ctx, remotePath, tmpPath, 0); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "read downloaded file")
	}
	return data, nil
}

// Ping round-trips a health check over the current transport.
func (s *Session) Ping(ctx context.Context) error {
	t, err := s.currentTransport()
	if err != nil {
		return err
	}
	id := newID("cmd")
	env, err := t.Request(ctx, id, wire.Pong{Type: wire.TypePing, ID: id})
	if err != nil {
		return err
	}
	if env.Type != wire.TypePong && env.Type != wire.TypeSuccess {
		return errdefs.Newf(errdefs.KindAgentDisconnected, "unexpected ping reply %q", env.Type)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close unblocks every in-flight waiter with AgentDisconnected. Called
// from the VM controller's shutdown path after the listener and bridge
// are gone; after it returns no further callbacks fire.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	execWaiters := s.execWaiters
	transfers := s.transfers
	s.execWaiters = make(map[string]chan wire.ExecResult)
	s.execOutputs = make(map[string]func(string, []byte))
	s.transfers = make(map[string]*transferWaiter)
	s.uploadSources = make(map[string]string)
	s.downloadSinks = make(map[string]string)
	s.sessions = make(map[string]*sessionState)
	s.transport = nil
	s.mu.Unlock()

	disconnected := errdefs.New(errdefs.KindAgentDisconnected, "session closed")
	for id, ch := range execWaiters {
		ch <- wire.ExecResult{CmdID: id, ExitCode: -1, Error: disconnected.Error()}
	}
	for _, w := range transfers {
		w.ch <- disconnected
	}
}

//go:build linux

// The bandsox guest agent runs as the guest's PID 1 payload. It
// registers with the host over AF_VSOCK, accepts host-initiated control
// connections on a fixed port, and executes commands, sessions, and
// file transfers. When vsock is unavailable it falls back to the serial
// console with base64 payload records.
package main

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/mdlayher/vsock"

	"github.com/bandsox/bandsox/internal/wire"
)

const (
	agentVersion = "1.0.0"

	// controlPort is where the host dials us through the VMM's hybrid
	// vsock endpoint.
	controlPort = 10700

	hostCID = wire.HostCID

	serialTransferCap = 8 << 20
)

func main() {
	hostPort := uint32(0)
	if raw := os.Getenv("BANDSOX_VSOCK_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid BANDSOX_VSOCK_PORT %q: %v\n", raw, err)
		} else {
			hostPort = uint32(parsed)
		}
	}

	a := &agentState{
		hostPort: hostPort,
		sessions: make(map[string]*session),
		serial:   os.Stdout,
	}

	if hostPort != 0 && a.register() == nil {
		a.vsockOK = true
	}

	go a.listenControl()
	a.serialLoop(os.Stdin)
}

type agentState struct {
	hostPort uint32
	vsockOK  bool

	mu       sync.Mutex
	sessions map[string]*session

	serialMu sync.Mutex
	serial   io.Writer
}

type session struct {
	id  string
	cmd *exec.Cmd

	stdin io.WriteCloser
	pty   *os.File
}

// dialHost opens a fresh connection to the host listener; the host
// model is one connection per logical operation.
func (a *agentState) dialHost() (net.Conn, error) {
	return vsock.Dial(hostCID, a.hostPort, nil)
}

func (a *agentState) register() error {
	conn, err := a.dialHost()
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := wire.Register{
		Type:         wire.TypeRegister,
		ID:           "register",
		AgentVersion: agentVersion,
		Capabilities: []string{"exec", "session", "upload", "download", "pty"},
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		return err
	}
	_, err = wire.ReadEnvelope(bufio.NewReader(conn))
	return err
}

// sendEvent delivers a guest-initiated message: a fresh vsock
// connection when registered, a serial record otherwise.
func (a *agentState) sendEvent(v any) {
	if a.vsockOK {
		conn, err := a.dialHost()
		if err == nil {
			wire.WriteMessage(conn, v)
			wire.ReadEnvelope(bufio.NewReader(conn)) // drain the ack
			conn.Close()
			return
		}
	}
	a.serialMu.Lock()
	defer a.serialMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	a.serial.Write(append(data, '\n'))
}

// listenControl accepts host-initiated control connections.
func (a *agentState) listenControl() {
	ln, err := vsock.Listen(controlPort, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vsock control listener: %v\n", err)
		return
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			env, err := wire.ReadEnvelope(bufio.NewReader(conn))
			if err != nil {
				return
			}
			a.dispatch(env, func(reply any) {
				wire.WriteMessage(conn, reply)
			})
		}(conn)
	}
}

// serialLoop reads newline-framed control records from the console.
// Serial records carry inline base64 payloads, so the line cap is the
// serial transfer cap rather than the vsock header cap.
func (a *agentState) serialLoop(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	maxLine := serialTransferCap/3*4 + 4096
	for {
		line, err := readSerialLine(br, maxLine)
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}
		env, err := wire.ParseEnvelope(line)
		if err != nil {
			continue
		}
		a.dispatch(env, func(reply any) {
			a.serialMu.Lock()
			defer a.serialMu.Unlock()
			data, err := json.Marshal(reply)
			if err != nil {
				return
			}
			a.serial.Write(append(data, '\n'))
		})
	}
}

func readSerialLine(br *bufio.Reader, maxLine int) ([]byte, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		buf = append(buf, frag...)
		if len(buf) > maxLine {
			return nil, fmt.Errorf("serial record exceeds %d bytes", maxLine)
		}
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return nil, err
	}
}

func (a *agentState) dispatch(env wire.Envelope, reply func(any)) {
	switch env.Type {
	case wire.TypePing:
		reply(wire.Pong{Type: wire.TypePong, ID: env.ID})

	case wire.TypeExec:
		var msg wire.Exec
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed exec"})
			return
		}
		reply(wire.Success{Type: wire.TypeSuccess, ID: env.ID})
		go a.runExec(msg)

	case wire.TypeSessionStart:
		var msg wire.SessionStart
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed session_start"})
			return
		}
		if err := a.startSession(msg); err != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: err.Error()})
			return
		}
		reply(wire.Success{Type: wire.TypeSuccess, ID: env.ID})

	case wire.TypeSessionInput:
		var msg wire.SessionInput
		if env.Decode(&msg) == nil {
			a.sessionInput(msg)
		}

	case wire.TypeSessionSignal:
		var msg wire.SessionSignal
		if env.Decode(&msg) == nil {
			a.sessionSignal(msg.SessionID, syscall.Signal(msg.Signum))
		}

	case wire.TypeSessionResize:
		var msg wire.SessionResize
		if env.Decode(&msg) == nil {
			a.sessionResize(msg)
		}

	case wire.TypeSessionKill:
		var msg wire.SessionKill
		if env.Decode(&msg) == nil {
			a.sessionSignal(msg.SessionID, syscall.SIGKILL)
		}

	case wire.TypeReadFile:
		var msg wire.ReadFile
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed read_file"})
			return
		}
		if err := a.pushFileToHost(env.ID, msg.Path); err != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: err.Error()})
			return
		}
		reply(wire.Success{Type: wire.TypeSuccess, ID: env.ID})

	case wire.TypeWriteFile:
		var msg wire.WriteFile
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed write_file"})
			return
		}
		if err := a.pullFileFromHost(env.ID, msg.Path, msg.Mode); err != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: err.Error()})
			return
		}
		reply(wire.Success{Type: wire.TypeSuccess, ID: env.ID})

	case wire.TypeUpload: // serial transport: payload inline
		var msg wire.Upload
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed upload"})
			return
		}
		if err := writeInlineFile(msg); err != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: err.Error()})
			return
		}
		reply(wire.Success{Type: wire.TypeSuccess, ID: env.ID, Size: msg.Size})

	case wire.TypeDownload: // serial transport: reply with inline payload
		var msg wire.Download
		if env.Decode(&msg) != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "malformed download"})
			return
		}
		data, err := os.ReadFile(msg.Path)
		if err != nil {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: err.Error()})
			return
		}
		if len(data) > serialTransferCap {
			reply(wire.Error{Type: wire.TypeError, ID: env.ID, Error: "file exceeds serial transfer cap"})
			return
		}
		sum := md5.Sum(data)
		reply(wire.Success{
			Type:        wire.TypeSuccess,
			ID:          env.ID,
			Size:        int64(len(data)),
			DataB64:     base64.StdEncoding.EncodeToString(data),
			ChecksumMD5: hex.EncodeToString(sum[:]),
		})

	default:
		reply(wire.Error{Type: wire.TypeError, ID: env.ID, Code: wire.ErrCodeUnsupported})
	}
}

func (a *agentState) runExec(msg wire.Exec) {
	cmd := exec.Command(msg.Argv[0], msg.Argv[1:]...)
	if msg.Cwd != "" {
		cmd.Dir = msg.Cwd
	}
	cmd.Env = append(os.Environ(), msg.Env...)

	var stdoutTail, stderrTail tailBuffer
	stream := func(kind string, tail *tailBuffer) io.Writer {
		return writerFunc(func(p []byte) (int, error) {
			tail.Write(p)
			a.sendEvent(wire.SessionOutput{
				Type:      wire.TypeSessionOutput,
				ID:        msg.CmdID,
				SessionID: msg.CmdID,
				Stream:    kind,
				DataB64:   base64.StdEncoding.EncodeToString(p),
			})
			return len(p), nil
		})
	}
	cmd.Stdout = stream("stdout", &stdoutTail)
	cmd.Stderr = stream("stderr", &stderrTail)

	res := wire.ExecResult{Type: wire.TypeExecResult, ID: msg.CmdID, CmdID: msg.CmdID}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 1
			res.Error = err.Error()
		}
	}
	res.StdoutTail = stdoutTail.String()
	res.StderrTail = stderrTail.String()
	a.sendEvent(res)
}

func (a *agentState) startSession(msg wire.SessionStart) error {
	cmd := exec.Command(msg.Argv[0], msg.Argv[1:]...)
	cmd.Env = os.Environ()

	s := &session{id: msg.SessionID, cmd: cmd}

	if msg.Pty {
		winsize := &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows}
		if winsize.Cols == 0 {
			winsize.Cols = 80
		}
		if winsize.Rows == 0 {
			winsize.Rows = 24
		}
		f, err := pty.StartWithSize(cmd, winsize)
		if err != nil {
			return err
		}
		s.pty = f
		go a.pumpOutput(s, "stdout", f)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		s.stdin = stdin
		go a.pumpOutput(s, "stdout", stdout)
		go a.pumpOutput(s, "stderr", stderr)
	}

	a.mu.Lock()
	a.sessions[msg.SessionID] = s
	a.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = 1
		}
		a.mu.Lock()
		delete(a.sessions, msg.SessionID)
		a.mu.Unlock()
		a.sendEvent(wire.SessionExit{
			Type:      wire.TypeSessionExit,
			ID:        msg.SessionID,
			SessionID: msg.SessionID,
			ExitCode:  code,
		})
	}()
	return nil
}

func (a *agentState) pumpOutput(s *session, stream string, r io.Reader) {
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.sendEvent(wire.SessionOutput{
				Type:      wire.TypeSessionOutput,
				ID:        s.id,
				SessionID: s.id,
				Stream:    stream,
				DataB64:   base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			return
		}
	}
}

func (a *agentState) sessionInput(msg wire.SessionInput) {
	data, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		return
	}
	a.mu.Lock()
	s := a.sessions[msg.SessionID]
	a.mu.Unlock()
	if s == nil {
		return
	}
	if s.pty != nil {
		s.pty.Write(data)
	} else if s.stdin != nil {
		s.stdin.Write(data)
	}
}

func (a *agentState) sessionSignal(sessionID string, sig syscall.Signal) {
	a.mu.Lock()
	s := a.sessions[sessionID]
	a.mu.Unlock()
	if s == nil || s.cmd.Process == nil {
		return
	}
	s.cmd.Process.Signal(sig)
}

func (a *agentState) sessionResize(msg wire.SessionResize) {
	a.mu.Lock()
	s := a.sessions[msg.SessionID]
	a.mu.Unlock()
	if s == nil || s.pty == nil {
		return
	}
	pty.Setsize(s.pty, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows})
}

// pushFileToHost streams a guest file to the host through a fresh
// upload connection carrying the transfer's correlation id.
func (a *agentState) pushFileToHost(id, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	sum := md5.New()
	if _, err := io.Copy(sum, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	conn, err := a.dialHost()
	if err != nil {
		return err
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	header := wire.Upload{
		Type:        wire.TypeUpload,
		ID:          id,
		Path:        path,
		Size:        info.Size(),
		ChecksumMD5: hex.EncodeToString(sum.Sum(nil)),
	}
	if err := wire.WriteMessage(conn, header); err != nil {
		return err
	}
	env, err := wire.ReadEnvelope(br)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeReady {
		return fmt.Errorf("host not ready for upload: %s", env.Type)
	}
	if err := wire.CopyBody(conn, f, info.Size()); err != nil {
		return err
	}
	env, err = wire.ReadEnvelope(br)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeSuccess {
		var e wire.Error
		env.Decode(&e)
		return fmt.Errorf("host rejected upload: %s", e.Error)
	}
	return nil
}

// pullFileFromHost downloads a host-staged file through a fresh
// download connection and writes it at path.
func (a *agentState) pullFileFromHost(id, path string, mode uint32) error {
	conn, err := a.dialHost()
	if err != nil {
		return err
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	if err := wire.WriteMessage(conn, wire.Download{Type: wire.TypeDownload, ID: id, Path: path}); err != nil {
		return err
	}
	env, err := wire.ReadEnvelope(br)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeReady {
		var e wire.Error
		env.Decode(&e)
		return fmt.Errorf("host rejected download: %s", e.Error)
	}
	var ready wire.Ready
	if err := env.Decode(&ready); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dirOf(path), ".bandsox-dl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	sum := md5.New()
	if err := wire.ReadBody(io.MultiWriter(tmp, sum), br, ready.Size); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if got := hex.EncodeToString(sum.Sum(nil)); ready.ChecksumMD5 != "" && got != ready.ChecksumMD5 {
		return fmt.Errorf("checksum mismatch: declared %s, computed %s", ready.ChecksumMD5, got)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	if mode != 0 {
		os.Chmod(path, os.FileMode(mode))
	}
	return wire.WriteMessage(conn, wire.Complete{Type: wire.TypeComplete, ID: id, Size: ready.Size})
}

func writeInlineFile(msg wire.Upload) error {
	data, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		return err
	}
	if int64(len(data)) != msg.Size {
		return fmt.Errorf("declared %d bytes, got %d", msg.Size, len(data))
	}
	sum := md5.Sum(data)
	if got := hex.EncodeToString(sum[:]); msg.ChecksumMD5 != "" && got != msg.ChecksumMD5 {
		return fmt.Errorf("checksum mismatch: declared %s, computed %s", msg.ChecksumMD5, got)
	}
	if err := os.MkdirAll(dirOf(msg.Path), 0o755); err != nil {
		return err
	}
	perm := os.FileMode(0o644)
	if msg.Mode != 0 {
		perm = os.FileMode(msg.Mode)
	}
	return os.WriteFile(msg.Path, data, perm)
}

func dirOf(path string) string {
	return filepath.Dir(path)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// tailBuffer keeps the last chunk of output for the exec_result tail.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 64 * 1024

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

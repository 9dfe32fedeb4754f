package vmm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/bandsox/bandsox/internal/errdefs"
)

const (
	DefaultBinary = "/usr/bin/firecracker"

	envFirecrackerBin = "BANDSOX_FIRECRACKER_BIN"

	stopGrace = 5 * time.Second
)

// Isolation describes the private mount namespace a restored VMM runs
// in. Dir is bind-mounted over Target so the UDS path recorded in the
// snapshot resolves to a per-VM inode.
type Isolation struct {
	Dir    string // per-VM directory, e.g. /tmp/bsx/<vm_id>
	Target string // directory containing the original UDS path
	// StaleSocket is removed inside the namespace before the VMM starts.
	StaleSocket string
}

type SpawnOptions struct {
	Binary     string
	APISocket  string
	LogDir     string
	Isolation  *Isolation
	SerialPipe bool // wire stdin/stdout pipes for the serial console
}

// Process is a spawned VMM. WaitCh receives the exit error exactly once.
type Process struct {
	cmd    *exec.Cmd
	Pid    int
	WaitCh <-chan error

	// Serial console pipes, nil unless SerialPipe was requested.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	logger *log.Logger
}

// Binary resolves the firecracker binary from the environment override,
// an explicit path, or the default install location.
func Binary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(envFirecrackerBin); env != "" {
		return env
	}
	return DefaultBinary
}

// Spawn starts a VMM process. With opts.Isolation set, the process is
// re-entered through the mount shim (see shim_linux.go) so the bind mount is
// established inside a private namespace before the VMM executes.
func Spawn(opts SpawnOptions, logger *log.Logger) (*Process, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("vmm")

	if err := os.Remove(opts.APISocket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "remove stale API socket")
	}

	binary := Binary(opts.Binary)
	vmmArgs := []string{"--api-sock", opts.APISocket}

	var cmd *exec.Cmd
	if opts.Isolation != nil {
		self, err := os.Executable()
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "resolve own executable for mount shim")
		}
		shimArgs := append([]string{
			shimCommand,
			"--bind", opts.Isolation.Dir + ":" + opts.Isolation.Target,
		}, "--rm", opts.Isolation.StaleSocket, "--", binary)
		cmd = exec.Command(self, append(shimArgs, vmmArgs...)...)
		// The shim unshares its mount namespace; see ShimMain.
		cmd.SysProcAttr = shimSysProcAttr()
	} else {
		cmd = exec.Command(binary, vmmArgs...)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Dir(opts.APISocket)
	}
	stderrFile, err := os.Create(filepath.Join(logDir, filepath.Base(opts.APISocket)+".stderr.log"))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "create VMM stderr log")
	}
	cmd.Stderr = stderrFile

	p := &Process{cmd: cmd, logger: logger}

	if opts.SerialPipe {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			stderrFile.Close()
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "create serial stdin pipe")
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			stderrFile.Close()
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "create serial stdout pipe")
		}
		p.Stdin = stdin
		p.Stdout = stdout
	} else {
		stdoutFile, err := os.Create(filepath.Join(logDir, filepath.Base(opts.APISocket)+".stdout.log"))
		if err != nil {
			stderrFile.Close()
			return nil, errdefs.Wrap(errdefs.KindIoError, err, "create VMM stdout log")
		}
		cmd.Stdout = stdoutFile
	}

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		return nil, errdefs.Wrap(errdefs.KindBootFailed, err, fmt.Sprintf("start %s", binary))
	}

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stderrFile.Close()
		waitCh <- err
		close(waitCh)
	}()

	p.Pid = cmd.Process.Pid
	p.WaitCh = waitCh
	logger.Info("VMM process started", "pid", p.Pid, "api_sock", opts.APISocket)
	return p, nil
}

// Alive reports whether pid refers to a live process we may signal.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Stop terminates the VMM: SIGTERM, a grace period, then SIGKILL.
// Idempotent; returns once the process has exited.
func (p *Process) Stop() {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-p.WaitCh:
		return
	case <-time.After(stopGrace):
	}
	p.logger.Warn("VMM did not exit after SIGTERM, killing", "pid", p.Pid)
	_ = p.cmd.Process.Kill()
	<-p.WaitCh
}

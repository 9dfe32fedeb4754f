// Package cli is the bandsox command surface. It wires the manager into
// kong commands and maps the error taxonomy to process exit codes.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	units "github.com/docker/go-units"

	"github.com/bandsox/bandsox/internal/agent"
	"github.com/bandsox/bandsox/internal/config"
	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/image"
	"github.com/bandsox/bandsox/internal/manager"
	"github.com/bandsox/bandsox/internal/storage"
)

// Exit codes for the CLI surface.
const (
	ExitOK                 = 0
	ExitGeneral            = 1
	ExitInvalidArgument    = 2
	ExitNotFound           = 3
	ExitStateConflict      = 4
	ExitBootFailed         = 5
	ExitAgentTimeout       = 6
	ExitAllocatorExhausted = 7
	ExitVmmError           = 8
)

// ExitCodeFor maps an error kind to the documented exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindInvalidArgument:
		return ExitInvalidArgument
	case errdefs.KindNotFound:
		return ExitNotFound
	case errdefs.KindStateConflict:
		return ExitStateConflict
	case errdefs.KindBootFailed:
		return ExitBootFailed
	case errdefs.KindTimeout, errdefs.KindAgentDisconnected:
		return ExitAgentTimeout
	case errdefs.KindAllocatorExhausted:
		return ExitAllocatorExhausted
	case errdefs.KindVmmError:
		return ExitVmmError
	default:
		return ExitGeneral
	}
}

type CLI struct {
	LogLevel string `help:"Log level (debug|info|warn|error)" default:"info"`

	Create   CreateCommand   `cmd:"" help:"Create and boot a VM from a container image"`
	List     ListCommand     `cmd:"" help:"List VMs"`
	Exec     ExecCommand     `cmd:"" help:"Execute a command in a VM"`
	Session  SessionCommand  `cmd:"" help:"Attach an interactive session to a VM"`
	Pause    PauseCommand    `cmd:"" help:"Pause a running VM"`
	Resume   ResumeCommand   `cmd:"" help:"Resume a paused VM"`
	Stop     StopCommand     `cmd:"" help:"Stop a VM"`
	Delete   DeleteCommand   `cmd:"" help:"Delete a stopped VM"`
	Snapshot SnapshotCommand `cmd:"" help:"Snapshot commands"`
	Restore  RestoreCommand  `cmd:"" help:"Restore a VM from a snapshot"`
	Upload   UploadCommand   `cmd:"" help:"Upload a file into a VM"`
	Download DownloadCommand `cmd:"" help:"Download a file from a VM"`
}

type runtimeContext struct {
	Manager *manager.Manager
	Logger  *log.Logger
	Config  config.Config
}

// Run parses argv and executes the selected command, returning the
// process exit code.
func Run(args []string) int {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("bandsox"),
		kong.Description("Firecracker microVM sandbox manager"),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitGeneral
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitInvalidArgument
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	switch cli.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	cfg, cfgPath, err := config.Load()
	if err != nil {
		logger.Error("load config", "path", cfgPath, "err", err)
		return ExitGeneral
	}

	layout := storage.FromEnv()
	if cfg.StorageRoot != "" && os.Getenv("BANDSOX_STORAGE") == "" {
		layout.Root = cfg.StorageRoot
	}

	mgr, err := manager.New(manager.Options{
		Layout:         layout,
		Logger:         logger,
		Net:            newProvisioner(logger),
		Builder:        image.NewOCIBuilder(logger),
		KernelPath:     cfg.KernelImage,
		FirecrackerBin: cfg.FirecrackerBin,
	})
	if err != nil {
		logger.Error("start manager", "err", err)
		return ExitCodeFor(err)
	}

	if err := kctx.Run(&runtimeContext{Manager: mgr, Logger: logger, Config: cfg}); err != nil {
		logger.Error(err.Error())
		return ExitCodeFor(err)
	}
	return ExitOK
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type CreateCommand struct {
	Image    string `arg:"" help:"Container image reference (e.g. alpine:latest)"`
	Name     string `help:"Human-readable VM name"`
	VCPU     int64  `help:"Virtual CPUs" default:"0"`
	Memory   string `help:"Guest memory (e.g. 128MiB)"`
	DiskSize string `help:"Rootfs size hint (e.g. 1GiB)"`
	NoNet    bool   `help:"Disable guest networking"`
}

func (c *CreateCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()

	memMiB, err := sizeOrDefault(c.Memory, rc.Config.Defaults.MemoryMiB)
	if err != nil {
		return err
	}
	diskMiB, err := sizeOrDefault(c.DiskSize, rc.Config.Defaults.DiskSizeMiB)
	if err != nil {
		return err
	}
	vcpu := c.VCPU
	if vcpu <= 0 {
		vcpu = rc.Config.Defaults.VCPUs
	}

	ctrl, err := rc.Manager.Create(ctx, manager.CreateOptions{
		Image:       c.Image,
		Name:        c.Name,
		VCPU:        vcpu,
		MemMiB:      memMiB,
		DiskSizeMiB: diskMiB,
		Networking:  !c.NoNet && rc.Config.Defaults.Networking,
	})
	if err != nil {
		return err
	}
	fmt.Println(ctrl.Desc().VmID)
	return nil
}

func sizeOrDefault(s string, fallback func() (int64, error)) (int64, error) {
	if s == "" {
		return fallback()
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errdefs.Newf(errdefs.KindInvalidArgument, "parse size %q: %v", s, err)
	}
	return bytes >> 20, nil
}

type ListCommand struct{}

func (c *ListCommand) Run(rc *runtimeContext) error {
	vms, err := rc.Manager.List()
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-16s  %-8s  %5s  %8s\n", "VM ID", "NAME", "STATUS", "VCPU", "MEM MIB")
	for _, d := range vms {
		fmt.Printf("%-36s  %-16s  %-8s  %5d  %8d\n", d.VmID, d.Name, d.Status, d.VCPU, d.MemMiB)
	}
	return nil
}

type ExecCommand struct {
	VM      string        `arg:"" help:"VM id or name"`
	Timeout time.Duration `help:"Command deadline" default:"30s"`

	Command []string `arg:"" passthrough:"" help:"Command to execute"`
}

func (c *ExecCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()

	session, err := runningSession(rc, c.VM)
	if err != nil {
		return err
	}

	code, err := session.Exec(ctx, agent.ExecSpec{
		Argv:    c.Command,
		Timeout: c.Timeout,
		OnOutput: func(stream string, data []byte) {
			if stream == "stderr" {
				os.Stderr.Write(data)
				return
			}
			os.Stdout.Write(data)
		},
	})
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func runningSession(rc *runtimeContext, vmRef string) (*agent.Session, error) {
	ctrl, err := rc.Manager.Get(vmRef)
	if err != nil {
		return nil, err
	}
	session := ctrl.Session()
	if session == nil {
		return nil, errdefs.Newf(errdefs.KindStateConflict, "VM %s is not running in this manager", vmRef)
	}
	return session, nil
}

type PauseCommand struct {
	VM string `arg:"" help:"VM id or name"`
}

func (c *PauseCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	return rc.Manager.Pause(ctx, c.VM)
}

type ResumeCommand struct {
	VM string `arg:"" help:"VM id or name"`
}

func (c *ResumeCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	return rc.Manager.Resume(ctx, c.VM)
}

type StopCommand struct {
	VM string `arg:"" help:"VM id or name"`
}

func (c *StopCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	return rc.Manager.Stop(ctx, c.VM)
}

type DeleteCommand struct {
	VM string `arg:"" help:"VM id or name"`
}

func (c *DeleteCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	return rc.Manager.Delete(ctx, c.VM)
}

type SnapshotCommand struct {
	Create SnapshotCreateCommand `cmd:"" help:"Snapshot a VM"`
	List   SnapshotListCommand   `cmd:"" help:"List snapshots"`
	Delete SnapshotDeleteCommand `cmd:"" help:"Delete a snapshot"`
}

type SnapshotCreateCommand struct {
	VM   string `arg:"" help:"VM id or name"`
	Name string `help:"Snapshot label"`
}

func (c *SnapshotCreateCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	snap, err := rc.Manager.Snapshot(ctx, c.VM, c.Name)
	if err != nil {
		return err
	}
	fmt.Println(snap.SnapshotID)
	return nil
}

type SnapshotListCommand struct{}

func (c *SnapshotListCommand) Run(rc *runtimeContext) error {
	snaps, err := rc.Manager.ListSnapshots()
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-16s  %-36s\n", "SNAPSHOT ID", "NAME", "SOURCE VM")
	for _, s := range snaps {
		fmt.Printf("%-36s  %-16s  %-36s\n", s.SnapshotID, s.Name, s.SourceVmID)
	}
	return nil
}

type SnapshotDeleteCommand struct {
	Snapshot string `arg:"" help:"Snapshot id"`
}

func (c *SnapshotDeleteCommand) Run(rc *runtimeContext) error {
	return rc.Manager.DeleteSnapshot(c.Snapshot)
}

type RestoreCommand struct {
	Snapshot string `arg:"" help:"Snapshot id"`
	Name     string `help:"Name for the restored VM"`
}

func (c *RestoreCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	ctrl, err := rc.Manager.Restore(ctx, c.Snapshot, c.Name)
	if err != nil {
		return err
	}
	fmt.Println(ctrl.Desc().VmID)
	return nil
}

type UploadCommand struct {
	VM     string `arg:"" help:"VM id or name"`
	Local  string `arg:"" help:"Local source path"`
	Remote string `arg:"" help:"Guest destination path"`
}

func (c *UploadCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	session, err := runningSession(rc, c.VM)
	if err != nil {
		return err
	}
	return session.UploadFile(ctx, c.Local, c.Remote, 0)
}

type DownloadCommand struct {
	VM     string `arg:"" help:"VM id or name"`
	Remote string `arg:"" help:"Guest source path"`
	Local  string `arg:"" help:"Local destination path"`
}

func (c *DownloadCommand) Run(rc *runtimeContext) error {
	ctx, cancel := commandContext()
	defer cancel()
	session, err := runningSession(rc, c.VM)
	if err != nil {
		return err
	}
	return session.DownloadFile(ctx, c.Remote, c.Local, 0)
}

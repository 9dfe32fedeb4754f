// Package vmm owns the VMM side of a microVM: the typed client for the
// VMM's HTTP API over its Unix domain socket, and the spawned VMM
// process itself (including mount-namespace isolation for restores).
package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bandsox/bandsox/internal/errdefs"
)

const (
	requestTimeout = 30 * time.Second

	// Boot-time connection-refused retry: the API socket appears a beat
	// after the VMM process starts. Backoff doubles from 50 ms and the
	// whole retry window is capped at 2 s. Semantic errors never retry.
	retryInitialBackoff = 50 * time.Millisecond
	retryWindow         = 2 * time.Second
)

type SnapshotType string

const (
	SnapshotFull SnapshotType = "Full"
	SnapshotDiff SnapshotType = "Diff"
)

type Client struct {
	socketPath string
	hc         *http.Client
	logger     *log.Logger
}

func NewClient(socketPath string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		socketPath: socketPath,
		logger:     logger.WithPrefix("vmm"),
		hc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

type vsockDevice struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type instanceAction struct {
	ActionType string `json:"action_type"`
}

type vmState struct {
	State string `json:"state"`
}

type snapshotCreateParams struct {
	SnapshotType SnapshotType `json:"snapshot_type,omitempty"`
	SnapshotPath string       `json:"snapshot_path"`
	MemFilePath  string       `json:"mem_file_path"`
}

type snapshotLoadParams struct {
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
	ResumeVM     bool   `json:"resume_vm"`
}

func (c *Client) PutMachineConfig(ctx context.Context, vcpu, memMiB int64) error {
	return c.put(ctx, "/machine-config", machineConfig{VCPUCount: vcpu, MemSizeMiB: memMiB, SMT: false}, false)
}

func (c *Client) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.put(ctx, "/boot-source", bootSource{KernelImagePath: kernelPath, BootArgs: bootArgs}, false)
}

func (c *Client) PutDrive(ctx context.Context, driveID, path string, isRoot, readOnly bool) error {
	return c.put(ctx, "/drives/"+driveID, drive{
		DriveID:      driveID,
		PathOnHost:   path,
		IsRootDevice: isRoot,
		IsReadOnly:   readOnly,
	}, false)
}

func (c *Client) PutNetworkInterface(ctx context.Context, ifaceID, hostTap, mac string) error {
	return c.put(ctx, "/network-interfaces/"+ifaceID, networkInterface{
		IfaceID:     ifaceID,
		HostDevName: hostTap,
		GuestMAC:    mac,
	}, false)
}

// PutVsock configures the vsock device. The VMM establishes host
// listener sockets at "{udsPath}_{port}" for guest-initiated connects
// and dials the same paths for host-initiated ones.
func (c *Client) PutVsock(ctx context.Context, cid uint32, udsPath string) error {
	return c.put(ctx, "/vsock", vsockDevice{GuestCID: cid, UDSPath: udsPath}, false)
}

// Start boots the configured machine. Connection-refused errors retry
// because the API socket may not be accepting yet.
func (c *Client) Start(ctx context.Context) error {
	return c.put(ctx, "/actions", instanceAction{ActionType: "InstanceStart"}, true)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.put(ctx, "/vm", vmState{State: "Paused"}, false)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.put(ctx, "/vm", vmState{State: "Resumed"}, false)
}

func (c *Client) CreateSnapshot(ctx context.Context, typ SnapshotType, memPath, statePath string) error {
	return c.put(ctx, "/snapshot/create", snapshotCreateParams{
		SnapshotType: typ,
		SnapshotPath: statePath,
		MemFilePath:  memPath,
	}, false)
}

func (c *Client) LoadSnapshot(ctx context.Context, memPath, statePath string, resume bool) error {
	return c.put(ctx, "/snapshot/load", snapshotLoadParams{
		SnapshotPath: statePath,
		MemFilePath:  memPath,
		ResumeVM:     resume,
	}, true)
}

// WaitReady blocks until the API socket accepts connections.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return errdefs.Newf(errdefs.KindBootFailed, "VMM API socket %s never became ready: %v", c.socketPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) put(ctx context.Context, path string, body any, retryRefused bool) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode VMM request")
	}

	deadline := time.Now().Add(retryWindow)
	backoff := retryInitialBackoff
	for {
		err := c.doPut(ctx, path, data)
		if err == nil {
			return nil
		}
		if !retryRefused || !isConnectionRefused(err) || time.Now().After(deadline) {
			return err
		}
		wait := backoff
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		c.logger.Debug("VMM socket refused, retrying", "path", path, "backoff", wait)
		select {
		case <-ctx.Done():
			return errdefs.Wrap(errdefs.KindTimeout, ctx.Err(), fmt.Sprintf("PUT %s", path))
		case <-time.After(wait):
		}
		backoff *= 2
	}
}

func (c *Client) doPut(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost"+path, bytes.NewReader(body))
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "build VMM request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.KindVmmError, err, fmt.Sprintf("PUT %s", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rb, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errdefs.Newf(errdefs.KindVmmError, "PUT %s: %d: %s", path, resp.StatusCode, bytes.TrimSpace(rb)).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(rb))
	}
	return nil
}

// isConnectionRefused matches the two boot-window failure modes: the
// socket file not yet created, or created but not yet accepting.
func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}

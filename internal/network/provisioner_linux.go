//go:build linux

package network

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/metadata"
)

// LinuxProvisioner creates TAP devices with netlink and NAT rules with
// iptables. It needs CAP_NET_ADMIN.
type LinuxProvisioner struct {
	logger *log.Logger
}

func NewProvisioner(logger *log.Logger) *LinuxProvisioner {
	if logger == nil {
		logger = log.Default()
	}
	return &LinuxProvisioner{logger: logger.WithPrefix("network")}
}

func (p *LinuxProvisioner) Provision(ctx context.Context, vmID string) (*metadata.NetworkConfig, error) {
	cfg := Config(vmID)

	la := netlink.NewLinkAttrs()
	la.Name = cfg.TapName
	tap := &netlink.Tuntap{LinkAttrs: la, Mode: netlink.TUNTAP_MODE_TAP}

	if err := netlink.LinkAdd(tap); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create tap %s", cfg.TapName))
	}

	cleanup := func() { _ = netlink.LinkDel(tap) }

	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", cfg.Gateway, cfg.Mask))
	if err != nil {
		cleanup()
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "parse gateway address")
	}
	if err := netlink.AddrAdd(tap, addr); err != nil {
		cleanup()
		return nil, errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("assign %s to %s", cfg.Gateway, cfg.TapName))
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		cleanup()
		return nil, errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("bring up %s", cfg.TapName))
	}

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1\n"), 0o644); err != nil {
		p.logger.Warn("could not enable ip_forward", "err", err)
	}

	if err := p.ensureNAT(cfg); err != nil {
		cleanup()
		return nil, err
	}

	p.logger.Info("network provisioned", "vm", vmID, "tap", cfg.TapName, "guest_ip", cfg.IP)
	return cfg, nil
}

func (p *LinuxProvisioner) ensureNAT(cfg *metadata.NetworkConfig) error {
	ipt, err := iptables.New()
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "init iptables")
	}
	ext, err := defaultInterface()
	if err != nil {
		return err
	}

	rules := [][]string{
		{"nat", "POSTROUTING", "-o", ext, "-j", "MASQUERADE"},
		{"filter", "FORWARD", "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
		{"filter", "FORWARD", "-i", cfg.TapName, "-o", ext, "-j", "ACCEPT"},
	}
	for _, rule := range rules {
		if err := ipt.AppendUnique(rule[0], rule[1], rule[2:]...); err != nil {
			return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("iptables %v", rule))
		}
	}
	return nil
}

func (p *LinuxProvisioner) Teardown(ctx context.Context, cfg *metadata.NetworkConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if link, err := netlink.LinkByName(cfg.TapName); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("delete tap %s", cfg.TapName))
		}
	}

	// The shared MASQUERADE and conntrack rules stay; only the per-TAP
	// forward rule is removed.
	ipt, err := iptables.New()
	if err != nil {
		p.logger.Warn("iptables unavailable during teardown", "err", err)
		return nil
	}
	ext, err := defaultInterface()
	if err != nil {
		p.logger.Warn("no default interface during teardown", "err", err)
		return nil
	}
	if err := ipt.DeleteIfExists("filter", "FORWARD", "-i", cfg.TapName, "-o", ext, "-j", "ACCEPT"); err != nil {
		p.logger.Warn("could not remove forward rule", "tap", cfg.TapName, "err", err)
	}

	p.logger.Info("network torn down", "tap", cfg.TapName)
	return nil
}

// defaultInterface resolves the interface carrying the default route.
func defaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindIoError, err, "list routes")
	}
	for _, route := range routes {
		if route.Dst == nil && route.LinkIndex > 0 {
			link, err := netlink.LinkByIndex(route.LinkIndex)
			if err != nil {
				continue
			}
			return link.Attrs().Name, nil
		}
	}
	return "", errdefs.New(errdefs.KindIoError, "no default route interface")
}

var _ Provisioner = (*LinuxProvisioner)(nil)

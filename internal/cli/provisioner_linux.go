//go:build linux

package cli

import (
	"github.com/charmbracelet/log"

	"github.com/bandsox/bandsox/internal/network"
)

func newProvisioner(logger *log.Logger) network.Provisioner {
	return network.NewProvisioner(logger)
}

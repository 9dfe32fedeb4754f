package main

import (
	"fmt"
	"os"

	"github.com/bandsox/bandsox/internal/cli"
	"github.com/bandsox/bandsox/internal/vmm"
)

func main() {
	// The restore path re-enters this binary as the VMM mount shim;
	// it must exec the VMM without touching the manager.
	if vmm.IsShimInvocation(os.Args) {
		if err := vmm.ShimMain(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	os.Exit(cli.Run(os.Args[1:]))
}

//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "bandsox-guest-agent requires linux (AF_VSOCK)")
	os.Exit(1)
}

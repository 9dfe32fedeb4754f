package network

import (
	"strings"
	"testing"
)

func TestTapNameWithinInterfaceLimit(t *testing.T) {
	t.Parallel()

	cases := []string{
		"3f8a9c1e-0b2d-4e6f-8a1b-2c3d4e5f6a7b",
		"short",
		"zzzz-not-hex-at-all",
	}
	for _, vmID := range cases {
		name := TapName(vmID)
		if !strings.HasPrefix(name, "bsx-") {
			t.Errorf("TapName(%q) = %q, missing prefix", vmID, name)
		}
		if len(name) > 15 {
			t.Errorf("TapName(%q) = %q exceeds IFNAMSIZ", vmID, name)
		}
	}
}

func TestTapNameDeterministic(t *testing.T) {
	t.Parallel()

	a := TapName("3f8a9c1e-0b2d-4e6f-8a1b-2c3d4e5f6a7b")
	b := TapName("3f8a9c1e-0b2d-4e6f-8a1b-2c3d4e5f6a7b")
	if a != b {
		t.Fatalf("TapName not deterministic: %q vs %q", a, b)
	}
}

func TestMacAddressShape(t *testing.T) {
	t.Parallel()

	mac := MacAddress("some-vm-id")
	if !strings.HasPrefix(mac, "AA:FC:00:") {
		t.Fatalf("mac = %q, missing locally-administered prefix", mac)
	}
	if len(strings.Split(mac, ":")) != 6 {
		t.Fatalf("mac = %q, not 6 octets", mac)
	}
	if mac != MacAddress("some-vm-id") {
		t.Fatal("mac not deterministic")
	}
}

func TestSubnetPairsHostAndGuest(t *testing.T) {
	t.Parallel()

	hostIP, guestIP := Subnet("vm-a")
	if !strings.HasPrefix(hostIP, "172.16.") || !strings.HasSuffix(hostIP, ".1") {
		t.Fatalf("host ip = %q", hostIP)
	}
	if !strings.HasPrefix(guestIP, "172.16.") || !strings.HasSuffix(guestIP, ".2") {
		t.Fatalf("guest ip = %q", guestIP)
	}
	hostOctets := strings.Split(hostIP, ".")
	guestOctets := strings.Split(guestIP, ".")
	if hostOctets[2] != guestOctets[2] {
		t.Fatalf("host %q and guest %q in different subnets", hostIP, guestIP)
	}
}

func TestBootArgs(t *testing.T) {
	t.Parallel()

	cfg := Config("3f8a9c1e-0b2d-4e6f-8a1b-2c3d4e5f6a7b")
	args := BootArgs(cfg)
	if !strings.HasPrefix(args, "ip="+cfg.IP) {
		t.Fatalf("boot args = %q", args)
	}
	if !strings.Contains(args, cfg.Gateway) || !strings.HasSuffix(args, "eth0:off") {
		t.Fatalf("boot args = %q", args)
	}

	if got := BootArgs(nil); got != "" {
		t.Fatalf("nil config boot args = %q", got)
	}
}

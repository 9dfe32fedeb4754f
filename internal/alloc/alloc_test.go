package alloc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bandsox/bandsox/internal/errdefs"
)

func TestCIDAllocatorStartsAtThree(t *testing.T) {
	t.Parallel()

	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	cid, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cid != 3 {
		t.Fatalf("first CID = %d, want 3", cid)
	}
}

func TestCIDAllocatorPrefersFreeListLIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))

	var cids []uint32
	for i := 0; i < 3; i++ {
		cid, err := a.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		cids = append(cids, cid)
	}
	if err := a.Release(ctx, cids[0]); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(ctx, cids[2]); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if got != cids[2] {
		t.Fatalf("expected LIFO reuse of %d, got %d", cids[2], got)
	}
}

func TestCIDReleaseIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	cid, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Release(ctx, cid); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := a.Release(ctx, cid); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	// Exactly one free-list entry regardless of the double release.
	next, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if next != cid {
		t.Fatalf("expected reuse of %d, got %d", cid, next)
	}
	next2, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if next2 == cid {
		t.Fatalf("CID %d handed out twice", cid)
	}
}

func TestCIDReleaseOfReservedIsNoop(t *testing.T) {
	t.Parallel()

	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))
	for _, cid := range []uint32{0, 1, 2} {
		if err := a.Release(context.Background(), cid); err != nil {
			t.Fatalf("Release(%d): %v", cid, err)
		}
	}
	got, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != 3 {
		t.Fatalf("reserved CID leaked into pool, got %d", got)
	}
}

func TestPortAllocatorRangeAndScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := NewPortAllocator(filepath.Join(t.TempDir(), "port.json"))

	p1, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p1 != 9000 {
		t.Fatalf("first port = %d, want 9000", p1)
	}
	p2, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p2 != 9001 {
		t.Fatalf("second port = %d, want 9001", p2)
	}

	// A released port is not handed out again right away: the scan
	// continues forward from the cursor.
	if err := a.Release(ctx, p1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	p3, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p3 != 9002 {
		t.Fatalf("third port = %d, want forward scan to 9002", p3)
	}
}

func TestPortAllocatorExhaustionLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "port.json")

	used := make([]uint16, 0, 1000)
	for p := PortFirst; ; p++ {
		used = append(used, p)
		if p == PortLast {
			break
		}
	}
	st := struct {
		Used []uint16 `json:"used"`
		Next uint16   `json:"next"`
	}{Used: used, Next: 9500}
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewPortAllocator(path)
	_, err = a.Acquire(ctx)
	if !errors.Is(err, errdefs.ErrAllocatorExhausted) {
		t.Fatalf("expected AllocatorExhausted, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(after) != string(data) {
		t.Fatal("exhausted Acquire mutated the state file")
	}
}

func TestPortReleaseRemovesFromUsed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "port.json")
	a := NewPortAllocator(path)

	p, err := a.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Release(ctx, p); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(ctx, p); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var st struct {
		Used []uint16 `json:"used"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Used) != 0 {
		t.Fatalf("used set not empty after release: %v", st.Used)
	}
}

func TestConcurrentAcquireNoDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := NewCIDAllocator(filepath.Join(t.TempDir(), "cid.json"))

	const n = 16
	results := make([]uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid, err := a.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			results[i] = cid
		}(i)
	}
	wg.Wait()

	seen := map[uint32]bool{}
	for _, cid := range results {
		if seen[cid] {
			t.Fatalf("duplicate CID %d", cid)
		}
		seen[cid] = true
	}
}

// Package alloc implements crash-safe, file-backed pool allocation for
// vsock CIDs and host listener ports. The state file is the only shared
// mutable state between managers on the same host; every mutation runs
// under an exclusive flock with the state re-parsed inside the critical
// section, then written with write-temp + rename + fsync.
package alloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/bandsox/bandsox/internal/errdefs"
)

const (
	// CIDs 0 (hypervisor), 1 (local) and 2 (host) are reserved by the
	// vsock address family. The upper bound leaves the well-known
	// VMADDR_CID_ANY values untouched.
	CIDFirst uint32 = 3
	CIDLast  uint32 = 0xFFFFFFFF - 3

	PortFirst uint16 = 9000
	PortLast  uint16 = 9999

	lockRetryDelay = 100 * time.Millisecond
)

type fileLock struct {
	path string
}

// withLock runs fn while holding an exclusive flock on path+".lock".
func (l fileLock) withLock(ctx context.Context, fn func() error) error {
	fl := flock.New(l.path + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("lock %s", l.path))
	}
	if !ok {
		return errdefs.Newf(errdefs.KindTimeout, "lock %s: %v", l.path, ctx.Err())
	}
	defer fl.Unlock()
	return fn()
}

// writeState atomically replaces path with the JSON encoding of v.
func writeState(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode allocator state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create temp state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindIoError, err, "write allocator state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindIoError, err, "fsync allocator state")
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "close allocator state")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "rename allocator state")
	}
	return nil
}

func readState(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errdefs.Wrap(errdefs.KindIoError, err, "read allocator state")
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("parse %s", path))
	}
	return nil
}

// cidState is the persisted form of the CID pool: a LIFO free-list of
// previously released CIDs plus the next never-used value.
type cidState struct {
	Free []uint32 `json:"free"`
	Next uint32   `json:"next"`
}

type CIDAllocator struct {
	lk fileLock
}

func NewCIDAllocator(path string) *CIDAllocator {
	return &CIDAllocator{lk: fileLock{path: path}}
}

func (a *CIDAllocator) Acquire(ctx context.Context) (uint32, error) {
	var cid uint32
	err := a.lk.withLock(ctx, func() error {
		st := cidState{Next: CIDFirst}
		if err := readState(a.lk.path, &st); err != nil {
			return err
		}
		if st.Next < CIDFirst {
			st.Next = CIDFirst
		}
		switch {
		case len(st.Free) > 0:
			cid = st.Free[len(st.Free)-1]
			st.Free = st.Free[:len(st.Free)-1]
		case st.Next <= CIDLast:
			cid = st.Next
			st.Next++
		default:
			return errdefs.New(errdefs.KindAllocatorExhausted, "no free CIDs")
		}
		return writeState(a.lk.path, st)
	})
	if err != nil {
		return 0, err
	}
	return cid, nil
}

// Release returns cid to the free-list. Releasing a CID that is not
// currently allocated is a no-op.
func (a *CIDAllocator) Release(ctx context.Context, cid uint32) error {
	if cid < CIDFirst {
		return nil
	}
	return a.lk.withLock(ctx, func() error {
		st := cidState{Next: CIDFirst}
		if err := readState(a.lk.path, &st); err != nil {
			return err
		}
		if cid >= st.Next {
			return nil // never handed out
		}
		for _, free := range st.Free {
			if free == cid {
				return nil
			}
		}
		st.Free = append(st.Free, cid)
		return writeState(a.lk.path, st)
	})
}

// portState is the persisted form of the port pool: the set of ports in
// use plus the scan cursor.
type portState struct {
	Used []uint16 `json:"used"`
	Next uint16   `json:"next"`
}

func (s *portState) isUsed(p uint16) bool {
	for _, u := range s.Used {
		if u == p {
			return true
		}
	}
	return false
}

type PortAllocator struct {
	lk fileLock
}

func NewPortAllocator(path string) *PortAllocator {
	return &PortAllocator{lk: fileLock{path: path}}
}

// Acquire scans forward from the cursor, modulo the [PortFirst, PortLast]
// range, skipping ports already in use.
func (a *PortAllocator) Acquire(ctx context.Context) (uint16, error) {
	var port uint16
	err := a.lk.withLock(ctx, func() error {
		st := portState{Next: PortFirst}
		if err := readState(a.lk.path, &st); err != nil {
			return err
		}
		if st.Next < PortFirst || st.Next > PortLast {
			st.Next = PortFirst
		}
		span := int(PortLast-PortFirst) + 1
		candidate := st.Next
		for i := 0; i < span; i++ {
			if !st.isUsed(candidate) {
				port = candidate
				st.Used = append(st.Used, candidate)
				if candidate == PortLast {
					st.Next = PortFirst
				} else {
					st.Next = candidate + 1
				}
				return writeState(a.lk.path, st)
			}
			if candidate == PortLast {
				candidate = PortFirst
			} else {
				candidate++
			}
		}
		return errdefs.New(errdefs.KindAllocatorExhausted, "no free port in [9000, 9999]")
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// Release removes port from the used set; idempotent.
func (a *PortAllocator) Release(ctx context.Context, port uint16) error {
	return a.lk.withLock(ctx, func() error {
		st := portState{Next: PortFirst}
		if err := readState(a.lk.path, &st); err != nil {
			return err
		}
		kept := st.Used[:0]
		found := false
		for _, u := range st.Used {
			if u == port {
				found = true
				continue
			}
			kept = append(kept, u)
		}
		if !found {
			return nil
		}
		st.Used = kept
		return writeState(a.lk.path, st)
	})
}

//go:build linux

package memsys

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var shmSeq int64

// shmSegment is a POSIX shm_open or Linux memfd_create backed mapping,
// shareable with another process on the same host (spec.md §6).
type shmSegment struct {
	name string
	fd   int
	buf  []byte
}

func newSegment(kind StorageKind, name string, size int) (segment, error) {
	switch kind {
	case StoragePrivate:
		return newPrivateSegment(size), nil
	case StorageSHMPosix:
		return newPosixShmSegment(name, size)
	case StorageSHMMemfd:
		return newMemfdSegment(name, size)
	default:
		return nil, errors.Errorf("memsys: unknown storage kind %d", kind)
	}
}

// shmDir is where POSIX shared memory objects are conventionally mounted
// on Linux; there is no raw shm_open syscall, only the glibc wrapper that
// opens a tmpfs-backed path under this directory, so that is what we do
// directly via unix.Open.
const shmDir = "/dev/shm"

func newPosixShmSegment(name string, size int) (*shmSegment, error) {
	if name == "" {
		name = fmt.Sprintf("inc-%d-%d", unix.Getpid(), atomic.AddInt64(&shmSeq, 1))
	}
	path := shmDir + "/" + name
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "shm_open")
	}
	return finishShmSegment(path, fd, size)
}

func newMemfdSegment(name string, size int) (*shmSegment, error) {
	if name == "" {
		name = fmt.Sprintf("inc-%d-%d", unix.Getpid(), atomic.AddInt64(&shmSeq, 1))
	}
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	return finishShmSegment(name, fd, size)
}

func finishShmSegment(name string, fd, size int) (*shmSegment, error) {
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "ftruncate")
	}
	buf, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "mmap")
	}
	return &shmSegment{name: name, fd: fd, buf: buf}, nil
}

func (s *shmSegment) bytes() []byte { return s.buf }

func (s *shmSegment) close() error {
	if s.buf != nil {
		_ = unix.Munmap(s.buf)
		s.buf = nil
	}
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
	if s.name != "" {
		_ = unix.Unlink(s.name)
	}
	return nil
}

// FD exposes the raw file descriptor so a connection can pass it to a peer
// process alongside the control message carrying (blockID, shm-segment-id,
// offset, size) (spec.md §4.3 step 2).
func (s *shmSegment) FD() int { return s.fd }

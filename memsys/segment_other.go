//go:build !linux

package memsys

import "github.com/pkg/errors"

// newSegment on non-Linux hosts only supports StoragePrivate; the two
// shared-memory storage kinds are Linux-specific per spec.md §6
// (shm_open/memfd_create).
func newSegment(kind StorageKind, _ string, size int) (segment, error) {
	switch kind {
	case StoragePrivate:
		return newPrivateSegment(size), nil
	default:
		return nil, errors.Errorf("memsys: storage kind %d unsupported on this platform", kind)
	}
}

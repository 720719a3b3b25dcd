package memsys

// segment is the backing storage for one Pool's slot array. Concrete
// implementations live in segment_linux.go (shm_open/memfd_create-backed,
// via golang.org/x/sys/unix) and segment_other.go (private-only fallback
// for non-Linux hosts, per spec.md §6: "PRIVATE (anonymous mmap or aligned
// malloc)").
type segment interface {
	bytes() []byte
	close() error
}

// privateSegment is a plain heap-backed region, used for StoragePrivate on
// every platform. On non-Linux hosts newSegment returns an error for the
// shared-memory storage kinds rather than falling back to it.
type privateSegment struct {
	buf []byte
}

func newPrivateSegment(size int) *privateSegment {
	return &privateSegment{buf: make([]byte, size)}
}

func (s *privateSegment) bytes() []byte { return s.buf }
func (s *privateSegment) close() error  { return nil }

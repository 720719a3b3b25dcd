// Package transport implements the byte-oriented duplex Device abstraction
// of spec.md §4.4: TCP, local-socket, and pipe transports selected by URL
// scheme, with readiness surfaced through blocking Read/Write calls rather
// than callbacks.
package transport

import (
	"net/url"
	"strconv"

	"github.com/kagenode/inc/wire"
)

// Scheme identifies which concrete Device a URL selects.
type Scheme string

const (
	SchemeTCP  Scheme = "tcp"
	SchemePipe Scheme = "pipe"
	SchemeUnix Scheme = "unix" // alias of pipe
	// SchemeUDP is reserved; it is not used by the core control channel
	// (spec.md §4.4).
	SchemeUDP Scheme = "udp"
)

// Address is the parsed form of a transport URL (spec.md §4.4: "{scheme,
// host, port, path, valid}").
type Address struct {
	Scheme Scheme
	Host   string
	Port   int
	Path   string
	Valid  bool
}

// ParseURL parses one of tcp://host:port, pipe:///path, unix:///path
// (aliased). An invalid URL yields ErrInvalidArgs without side effects,
// per spec.md §4.4.
func ParseURL(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, wire.Wrap(wire.ErrInvalidArgs, err)
	}
	scheme := Scheme(u.Scheme)
	switch scheme {
	case SchemeTCP:
		host := u.Hostname()
		portStr := u.Port()
		if host == "" || portStr == "" {
			return Address{}, wire.ErrInvalidArgs
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Address{}, wire.ErrInvalidArgs
		}
		return Address{Scheme: SchemeTCP, Host: host, Port: port, Valid: true}, nil
	case SchemePipe, SchemeUnix:
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Address{}, wire.ErrInvalidArgs
		}
		return Address{Scheme: SchemePipe, Path: path, Valid: true}, nil
	case SchemeUDP:
		return Address{}, wire.Wrap(wire.ErrInvalidArgs, errUDPReserved)
	default:
		return Address{}, wire.ErrInvalidArgs
	}
}

type reservedError string

func (e reservedError) Error() string { return string(e) }

const errUDPReserved reservedError = "udp is reserved, not implemented by the core"

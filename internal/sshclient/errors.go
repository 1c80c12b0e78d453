package sshclient

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies gateway failures.
type Kind int

const (
	KindUnreachable Kind = iota + 1
	KindAuthenticationFailed
	KindProtocolError
	KindPathNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthenticationFailed:
		return "authentication failed"
	case KindProtocolError:
		return "protocol error"
	case KindPathNotFound:
		return "path not found"
	default:
		return "unknown"
	}
}

// Error is returned by the gateway when a remote operation fails.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Addr, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a gateway error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// connection-class wording seen in transport errors
var connectionWords = []string{
	"connection",
	"network",
	"socket",
	"eof",
	"broken pipe",
	"reset by peer",
	"no route",
	"i/o timeout",
	"handshake",
	"unreachable",
}

// IsConnection reports whether err is a transport failure rather than a
// failure of the command itself.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUnreachable, KindAuthenticationFailed, KindProtocolError:
		return true
	case KindPathNotFound:
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, w := range connectionWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

package sshclient

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable", &Error{Kind: KindUnreachable}, true},
		{"wrapped auth", fmt.Errorf("open: %w", &Error{Kind: KindAuthenticationFailed}), true},
		{"path not found", &Error{Kind: KindPathNotFound, Err: errors.New("connection")}, false},
		{"wording", errors.New("read tcp: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"command", errors.New("exit status 2: bad input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnection(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindUnreachable, Addr: "10.0.0.1:22", Err: errors.New("timeout")}

	assert.Equal(t, "10.0.0.1:22: unreachable: timeout", err.Error())
	assert.Equal(t, "10.0.0.1:22: unreachable", (&Error{Kind: KindUnreachable, Addr: "10.0.0.1:22"}).Error())
}

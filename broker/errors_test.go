package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolErrorError(t *testing.T) {
	tests := []struct {
		name string
		err  *ProtocolError
		want string
	}{
		{
			name: "with packet type",
			err:  &ProtocolError{PacketType: "CONNECT", Err: ErrProtocolViolation},
			want: "CONNECT: broker: protocol violation",
		},
		{
			name: "without packet type",
			err:  &ProtocolError{Err: ErrProtocolViolation},
			want: "broker: protocol violation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, ErrProtocolViolation)
		})
	}
}

func TestResourceErrorError(t *testing.T) {
	err := &ResourceError{Domain: "tenant-a", Limit: "connections", Err: ErrResourceExhausted}
	assert.Equal(t, "broker: domain tenant-a limit connections: broker: resource limit exceeded", err.Error())
	assert.True(t, errors.Is(err, ErrResourceExhausted))
}

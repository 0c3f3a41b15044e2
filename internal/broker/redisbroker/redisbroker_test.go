package redisbroker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDial_RejectsInvalidAddrWithoutConnecting(t *testing.T) {
	_, err := Dial(context.Background(), DialOptions{Addr: "not-a-valid-addr"})
	assert.Error(t, err)
}

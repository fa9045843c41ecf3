package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectSchedule_GrowsFibonacci(t *testing.T) {
	s := reconnectSchedule{delays: defaultSchedule}

	assert.Equal(t, 1*time.Second, s.Delay(0))
	assert.Equal(t, 2*time.Second, s.Delay(1))
	assert.Equal(t, 3*time.Second, s.Delay(2))
	assert.Equal(t, 5*time.Second, s.Delay(3))
	assert.Equal(t, 89*time.Second, s.Delay(9))
}

func TestReconnectSchedule_ClampsPastEnd(t *testing.T) {
	s := reconnectSchedule{delays: defaultSchedule}

	assert.Equal(t, 89*time.Second, s.Delay(10))
	assert.Equal(t, 89*time.Second, s.Delay(100))
}

func TestReconnectSchedule_NegativeAttempt(t *testing.T) {
	s := reconnectSchedule{delays: defaultSchedule}

	assert.Equal(t, 1*time.Second, s.Delay(-1))
}

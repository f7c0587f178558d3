package power

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatInterval(t *testing.T) {
	tests := []struct {
		state State
		want  int64 // seconds
	}{
		{Active, 5},
		{Passive, 30},
		{Sleep, 300},
	}
	for _, tt := range tests {
		got := int64(HeartbeatInterval(tt.state).Seconds())
		assert.Equalf(t, tt.want, got, "HeartbeatInterval(%v)", tt.state)
	}
}

func TestVarDefaultsToActive(t *testing.T) {
	v := NewVar()
	assert.Equal(t, Active, v.Get())
	v.Set(Sleep)
	assert.Equal(t, Sleep, v.Get())
}

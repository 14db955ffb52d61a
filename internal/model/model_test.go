package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSwitchRequestOpen(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		req  SwitchRequest
		open bool
	}{
		{"pending", SwitchRequest{Status: SwitchPending}, true},
		{"approved awaiting login", SwitchRequest{Status: SwitchApproved}, true},
		{"approved completed", SwitchRequest{Status: SwitchApproved, CompletedAt: &now}, false},
		{"rejected", SwitchRequest{Status: SwitchRejected}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, tc.req.Open())
		})
	}
}

func TestSwitchStatusValid(t *testing.T) {
	assert.True(t, SwitchApproved.Valid())
	assert.False(t, SwitchStatus("completed").Valid())
}

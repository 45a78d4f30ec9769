package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttempt_IsTerminal(t *testing.T) {
	active := &Attempt{Status: AttemptActive}
	assert.False(t, active.IsTerminal())

	paired := &Attempt{Status: AttemptCompletedPaired}
	assert.True(t, paired.IsTerminal())

	failed := &Attempt{Status: AttemptCompletedFailed}
	assert.True(t, failed.IsTerminal())
}

func TestTimeRemainingBucketFor(t *testing.T) {
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "0-120s"},
		{119, "0-120s"},
		{120, "120-300s"},
		{299, "120-300s"},
		{300, "300-600s"},
		{599, "300-600s"},
		{600, "600s+"},
		{900, "600s+"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TimeRemainingBucketFor(c.seconds), "seconds=%v", c.seconds)
	}
}

package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chhz0/allsky/types"
)

func TestApplyResult(t *testing.T) {
	t.Parallel()

	rm := NewRetryManager()
	now := time.Unix(1000, 0)

	task := &types.Task{MaxAttempts: 2, BaseRetryInterval: time.Second, ExponentialBackoff: true}
	assert.True(t, rm.Due(task, now))

	rm.BeginAttempt(task, now)
	assert.Equal(t, types.StatusRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)

	rm.ApplyResult(task, false, now)
	assert.Equal(t, types.StatusRetrying, task.Status)
	assert.Equal(t, now.Add(time.Second), task.NextRetry)
	assert.False(t, rm.Due(task, now))

	rm.BeginAttempt(task, task.NextRetry)
	rm.ApplyResult(task, false, task.NextRetry)
	assert.Equal(t, types.StatusFailed, task.Status, "budget exhausted on the last failed attempt")
}

func TestDueSkipsSuccessAndCancelled(t *testing.T) {
	t.Parallel()

	rm := NewRetryManager()
	now := time.Now()
	for _, st := range []types.TaskStatus{types.StatusSuccess, types.StatusCancelled} {
		assert.False(t, rm.Due(&types.Task{Status: st}, now), st.String())
	}
	assert.True(t, rm.Due(&types.Task{Status: types.StatusFailed}, now))
}

package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/simulator/internal/common/simcontext"
	"github.com/G-Research/simulator/internal/operation"
	"github.com/G-Research/simulator/internal/protocol"
)

func failure(source protocol.Address, testID, message string, critical bool) *operation.Failure {
	return operation.NewFailure(source, testID, errors.New(message), critical)
}

func TestFailureContainer_Deduplicates(t *testing.T) {
	c := NewFailureContainer("", nil)
	var notified []*operation.Failure
	c.OnFailure(func(f *operation.Failure) { notified = append(notified, f) })

	assert.True(t, c.AddFailure(failure(protocol.Worker(1, 1), "map", "boom", false)))
	assert.False(t, c.AddFailure(failure(protocol.Worker(1, 1), "map", "boom", false)))
	assert.True(t, c.AddFailure(failure(protocol.Worker(1, 2), "map", "boom", false)))
	assert.True(t, c.AddFailure(failure(protocol.Worker(1, 1), "queue", "boom", false)))
	assert.True(t, c.AddFailure(failure(protocol.Worker(1, 1), "map", "bang", false)))

	assert.Equal(t, 4, c.FailureCount())
	assert.Len(t, notified, 4)
	assert.Equal(t, "bang", c.Failures()[3].Message)
}

func TestFailureContainer_CriticalFailures(t *testing.T) {
	c := NewFailureContainer("", nil)
	c.AddFailure(failure(protocol.Worker(1, 1), "map", "slow", false))
	assert.False(t, c.HasCriticalFailure())

	c.AddFailure(failure(protocol.Worker(1, 1), "map", "wrong size", true))
	assert.True(t, c.HasCriticalFailure())
	assert.True(t, c.HasCriticalFailureForTest("map"))
	assert.False(t, c.HasCriticalFailureForTest("queue"))
	require.NotNil(t, c.FirstCriticalFailure("map"))
	assert.Equal(t, "wrong size", c.FirstCriticalFailure("map").Message)
	assert.Nil(t, c.FirstCriticalFailure("queue"))
	assert.False(t, c.HasUnattributedCriticalFailureSince(0))

	mark := c.FailureCount()
	c.AddFailure(failure(protocol.Agent(1), "", "worker lost", true))
	assert.True(t, c.HasUnattributedCriticalFailureSince(0))
	assert.True(t, c.HasUnattributedCriticalFailureSince(mark))
	assert.False(t, c.HasUnattributedCriticalFailureSince(c.FailureCount()))
}

func TestFailureContainer_AwaitFinishedWorkers(t *testing.T) {
	c := NewFailureContainer("", nil)
	expected := []protocol.Address{protocol.Worker(1, 1), protocol.Worker(1, 2)}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.MarkWorkerFinished(protocol.Worker(1, 2))
		c.MarkWorkerFinished(protocol.Worker(1, 1))
	}()
	missing := c.AwaitFinishedWorkers(simcontext.Background(), expected, 5*time.Second)
	assert.Empty(t, missing)
	assert.Equal(t, expected, c.FinishedWorkers())

	c.ResetFinishedWorkers()
	c.MarkWorkerFinished(protocol.Worker(1, 1))
	missing = c.AwaitFinishedWorkers(simcontext.Background(), expected, 20*time.Millisecond)
	assert.Equal(t, []protocol.Address{protocol.Worker(1, 2)}, missing)
}

func TestMissingWorkers(t *testing.T) {
	finished := map[protocol.Address]struct{}{protocol.Worker(1, 1): {}}
	assert.Equal(t,
		[]protocol.Address{protocol.Worker(2, 1)},
		MissingWorkers([]protocol.Address{protocol.Worker(1, 1), protocol.Worker(2, 1)}, finished))
	assert.Empty(t, MissingWorkers(nil, finished))
}

func TestFailureContainer_WritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "failures.yaml")
	c := NewFailureContainer(file, nil)
	c.AddFailure(failure(protocol.Worker(1, 1), "map", "boom", true))
	c.AddFailure(failure(protocol.Agent(2), "", "worker C_A2_W1 disconnected", false))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "source: C_A1_W1")
	assert.Contains(t, string(data), "testId: map")
	assert.Contains(t, string(data), "message: worker C_A2_W1 disconnected")
	assert.Contains(t, string(data), "critical: true")
}

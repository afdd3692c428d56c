package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobFinished(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("create", "completed"))
	RecordJobFinished("create", "completed")
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("create", "completed")))
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(QueueDepth))
	SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(QueueDepth))
}

func TestObserveStage(t *testing.T) {
	ObserveStage("rendering", 1.5)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(StageDuration), 1)
}

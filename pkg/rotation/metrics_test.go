package rotation

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsIsIdempotent(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()
	require.Same(t, first, second)

	before := testutil.ToFloat64(first.stepTotal.WithLabelValues("createSecret", "completed"))
	first.Record(StepCreate, OutcomeCompleted, time.Second)
	after := testutil.ToFloat64(first.stepTotal.WithLabelValues("createSecret", "completed"))
	assert.Equal(t, before+1, after)
}

func TestNilMetricsRecordsNothing(t *testing.T) {
	var m *StepMetrics
	assert.NotPanics(t, func() {
		m.Record(StepFinish, OutcomeFatalFailure, time.Second)
	})
}

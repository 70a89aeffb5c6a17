package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStreamsTotalLabels(t *testing.T) {
	before := testutil.ToFloat64(StreamsTotal.WithLabelValues("fake", "done"))
	StreamsTotal.WithLabelValues("fake", "done").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StreamsTotal.WithLabelValues("fake", "done")))
}

func TestObserveQuery(t *testing.T) {
	ObserveQuery("test_op", time.Now().Add(-5*time.Millisecond))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(DBQueryDuration), 1)
}

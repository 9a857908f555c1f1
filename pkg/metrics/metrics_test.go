package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ritzau/infragraph/pkg/model"
)

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "not_found", Outcome(fmt.Errorf("lookup: %w", model.ErrNotFound)))
	assert.Equal(t, "invalid_argument", Outcome(model.InvalidArgumentf("depth")))
	assert.Equal(t, "unavailable", Outcome(model.ErrBackendUnavailable))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestObserveQueryCounts(t *testing.T) {
	before := testutil.ToFloat64(queryTotal.WithLabelValues("downstream", "ok"))
	ObserveQuery("downstream", time.Now(), nil)
	assert.Equal(t, before+1, testutil.ToFloat64(queryTotal.WithLabelValues("downstream", "ok")))
}

func TestObserveBatch(t *testing.T) {
	before := testutil.ToFloat64(droppedEdges)
	ObserveBatch(BatchCounts{NodesAdded: 2, Dropped: 3}, nil)
	assert.Equal(t, before+3, testutil.ToFloat64(droppedEdges))

	ObserveBatch(BatchCounts{Dropped: 5}, errors.New("boom"))
	assert.Equal(t, before+3, testutil.ToFloat64(droppedEdges))
}

func TestSetDegraded(t *testing.T) {
	SetDegraded(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(degraded))
	SetDegraded(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(degraded))
}

package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
)

// deferredFailure accepts a query and fails when it is consumed.
type deferredFailure struct {
	neo4j.ResultWithContext
	err      error
	consumed bool
}

func (r *deferredFailure) Consume(context.Context) (neo4j.ResultSummary, error) {
	r.consumed = true
	return nil, r.err
}

func TestConsumeSurfacesDeferredErrors(t *testing.T) {
	ctx := context.Background()
	schemaErr := errors.New("constraint already exists with different definition")

	res := &deferredFailure{err: schemaErr}
	assert.ErrorIs(t, consume(ctx, res, nil), schemaErr)
	assert.True(t, res.consumed)

	runErr := errors.New("connection reset")
	res = &deferredFailure{}
	assert.ErrorIs(t, consume(ctx, res, runErr), runErr)
	assert.False(t, res.consumed)

	assert.NoError(t, consume(ctx, &deferredFailure{}, nil))
}

package degrade

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRecord(t *testing.T) {
	var sources []string
	var mu sync.Mutex
	r := NewReport(nil, func(source string) {
		mu.Lock()
		sources = append(sources, source)
		mu.Unlock()
	})
	ctx := WithReport(context.Background(), r)

	assert.False(t, r.Partial())
	Record(ctx, "panora", nil)
	assert.False(t, r.Partial(), "nil errors are ignored")

	Record(ctx, "panora", errors.New("status 500"))
	assert.True(t, r.Partial())
	assert.Equal(t, []Failure{{Source: "panora", Error: "status 500"}}, r.Failures())
	assert.Equal(t, []string{"panora"}, sources)
}

func TestRecord_WithoutReport(t *testing.T) {
	assert.NotPanics(t, func() {
		Record(context.Background(), "view", errors.New("x"))
	})
	var r *Report
	assert.False(t, r.Partial())
	assert.Nil(t, r.Failures())
	assert.NotNil(t, Logger(context.Background()))
}

func TestGuard(t *testing.T) {
	r := NewReport(nil, nil)
	ctx := WithReport(context.Background(), r)

	var g errgroup.Group
	g.Go(Guard(ctx, "thala", func() error {
		panic("index out of range")
	}))
	g.Go(Guard(ctx, "panora", func() error {
		return errors.New("status 500")
	}))
	err := g.Wait()

	assert.EqualError(t, err, "status 500", "plain errors pass through")
	require.Len(t, r.Failures(), 1)
	assert.Equal(t, "thala", r.Failures()[0].Source)
	assert.Equal(t, "panic: index out of range", r.Failures()[0].Error)
}

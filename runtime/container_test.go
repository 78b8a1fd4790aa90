package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycleProbe struct {
	name    string
	calls   *[]string
	initErr error
	stopErr error
}

func (p *lifecycleProbe) Initialize(context.Context) error {
	*p.calls = append(*p.calls, "init:"+p.name)
	return p.initErr
}

func (p *lifecycleProbe) Shutdown(context.Context) error {
	*p.calls = append(*p.calls, "stop:"+p.name)
	return p.stopErr
}

func TestContainer_Lifecycle(t *testing.T) {
	var calls []string
	c := NewContainer()
	require.NoError(t, c.Register("store", &lifecycleProbe{name: "store", calls: &calls}))
	require.NoError(t, c.Register("buffer", &lifecycleProbe{name: "buffer", calls: &calls}))
	require.NoError(t, c.Register("plain", struct{}{}))

	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"init:store", "init:buffer", "stop:buffer", "stop:store"}, calls)
	assert.NotNil(t, c.Get("plain"))
	assert.Nil(t, c.Get("missing"))
}

func TestContainer_RegisterRejectsDuplicatesAndNil(t *testing.T) {
	c := NewContainer()
	require.NoError(t, c.Register("a", struct{}{}))
	assert.Error(t, c.Register("a", struct{}{}))
	assert.Error(t, c.Register("b", nil))
}

func TestContainer_Errors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	c := NewContainer()
	require.NoError(t, c.Register("first", &lifecycleProbe{name: "first", calls: &calls, initErr: boom, stopErr: boom}))
	require.NoError(t, c.Register("second", &lifecycleProbe{name: "second", calls: &calls, stopErr: boom}))

	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"init:first"}, calls)

	err = c.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "shutdown first")
	assert.Contains(t, err.Error(), "shutdown second")
}

package clipboard

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	held string
	err  error
}

func (f *fakeOwner) Hold(ctx context.Context, text string) error {
	f.held = text
	return f.err
}

func TestServeReadsStdinAndHandsOffToOwner(t *testing.T) {
	owner := &fakeOwner{}
	err := Serve(context.Background(), bytes.NewBufferString("hello clipboard"), owner)
	require.NoError(t, err)
	assert.Equal(t, "hello clipboard", owner.held)
}

func TestServePropagatesOwnerError(t *testing.T) {
	owner := &fakeOwner{err: assert.AnError}
	err := Serve(context.Background(), bytes.NewBufferString("x"), owner)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNewOwnerPicksAPlatformCommand(t *testing.T) {
	o := NewOwner()
	eo, ok := o.(execOwner)
	require.True(t, ok)
	assert.NotEmpty(t, eo.name)
}

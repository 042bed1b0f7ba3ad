package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawTextPres2Pbuf(t *testing.T) {
	status, body, err := RawText{}.Pres2Pbuf("hello world\n")
	require.NoError(t, err)
	assert.Equal(t, Ready, status)
	assert.Equal(t, []byte("hello world"), body)
}

func TestRawTextPbuf2Pres(t *testing.T) {
	line, err := RawText{}.Pbuf2Pres([]byte("round trip"))
	require.NoError(t, err)
	assert.Equal(t, "round trip", line)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(RawText{}))

	m, ok := r.Lookup(0, 0)
	require.True(t, ok)
	assert.Equal(t, RawText{}, m)

	_, ok = r.Lookup(1, 1)
	assert.False(t, ok)
}

// finiRecorder counts Fini calls; it registers under vid 1 so it sits
// beside RawText in the same registry.
type finiRecorder struct {
	RawText
	calls *int
}

func (finiRecorder) Vid() uint32 { return 1 }

func (f finiRecorder) Fini() error {
	*f.calls++
	return nil
}

func TestRegistryCloseCallsFini(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(RawText{}))
	calls := 0
	require.NoError(t, r.Register(finiRecorder{calls: &calls}))
	assert.NoError(t, r.Close())
	assert.Equal(t, 1, calls)
}

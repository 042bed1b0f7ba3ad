package io

import (
	stdio "io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/nmsg/internal/log"
	nmsgapi "firestige.xyz/nmsg/internal/nmsg/api"
	"firestige.xyz/nmsg/internal/nmsg/container"
	"firestige.xyz/nmsg/internal/nmsg/module"
	"firestige.xyz/nmsg/internal/nmsg/payload"
)

// TestMain ensures the package-level logger is initialized before any
// test exercises a Context: runNmsgInput and appendOne log through
// log.GetLogger(), which is nil until log.Init runs.
func TestMain(m *testing.M) {
	log.Init(&log.LoggerConfig{Appenders: []log.AppenderConfig{{Type: "console"}}})
	os.Exit(m.Run())
}

// fakeNmsgReader replays a fixed slice of already-encoded containers,
// then returns io.EOF, driving runNmsgInput the same way a real
// FileNmsgReader/DatagramNmsgReader would.
type fakeNmsgReader struct {
	containers [][]byte
	pos        int
}

func (f *fakeNmsgReader) ReadContainer() ([]byte, error) {
	if f.pos >= len(f.containers) {
		return nil, stdio.EOF
	}
	c := f.containers[f.pos]
	f.pos++
	return c, nil
}

func (f *fakeNmsgReader) Close() error { return nil }

// fakeOutput records every payload it's handed, standing in for a real
// file/datagram/kafka Output in tests that only care about dispatch.
type fakeOutput struct {
	mu       sync.Mutex
	payloads []*nmsgapi.Payload
	closed   int
}

func (o *fakeOutput) Append(p *nmsgapi.Payload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payloads = append(o.payloads, p)
	return nil
}

func (o *fakeOutput) Flush() error { return nil }

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *fakeOutput) bodies() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.payloads))
	for i, p := range o.payloads {
		out[i] = string(p.Body)
	}
	return out
}

func oneContainer(codec container.Codec, body string) []byte {
	p := payload.Make([]byte(body), 1, 1, time.Unix(0, 0))
	return codec.EncodeContainer([]*nmsgapi.Payload{p}, 0)
}

func TestContextStripeRoundRobinAcrossOutputs(t *testing.T) {
	codec := container.WireCodec{}
	reader := &fakeNmsgReader{containers: [][]byte{
		oneContainer(codec, "one"),
		oneContainer(codec, "two"),
		oneContainer(codec, "three"),
		oneContainer(codec, "four"),
	}}

	ctx := New(codec, module.NewRegistry())
	require.NoError(t, ctx.AddInputNmsg(reader, nil))

	out1, out2 := &fakeOutput{}, &fakeOutput{}
	require.NoError(t, ctx.AddOutput(out1, nmsgapi.SubtypeNmsg, nil, AddOutputOptions{Name: "out1"}))
	require.NoError(t, ctx.AddOutput(out2, nmsgapi.SubtypeNmsg, nil, AddOutputOptions{Name: "out2"}))

	require.NoError(t, ctx.Loop())

	assert.Equal(t, []string{"one", "three"}, out1.bodies())
	assert.Equal(t, []string{"two", "four"}, out2.bodies())
}

func TestContextMirrorDeliversToAllOutputs(t *testing.T) {
	codec := container.WireCodec{}
	reader := &fakeNmsgReader{containers: [][]byte{
		oneContainer(codec, "alpha"),
		oneContainer(codec, "beta"),
	}}

	ctx := New(codec, module.NewRegistry())
	ctx.SetOutputMode(ModeMirror)
	require.NoError(t, ctx.AddInputNmsg(reader, nil))

	out1, out2 := &fakeOutput{}, &fakeOutput{}
	require.NoError(t, ctx.AddOutput(out1, nmsgapi.SubtypeNmsg, nil, AddOutputOptions{Name: "out1"}))
	require.NoError(t, ctx.AddOutput(out2, nmsgapi.SubtypeNmsg, nil, AddOutputOptions{Name: "out2"}))

	require.NoError(t, ctx.Loop())

	assert.Equal(t, []string{"alpha", "beta"}, out1.bodies())
	assert.Equal(t, []string{"alpha", "beta"}, out2.bodies())
}

func TestContextCloseTriggerFiresOnCount(t *testing.T) {
	codec := container.WireCodec{}
	reader := &fakeNmsgReader{containers: [][]byte{
		oneContainer(codec, "one"),
		oneContainer(codec, "two"),
		oneContainer(codec, "three"),
	}}

	ctx := New(codec, module.NewRegistry())
	ctx.SetOutputMode(ModeMirror)
	ctx.SetCount(2)
	require.NoError(t, ctx.AddInputNmsg(reader, nil))

	var events []nmsgapi.CloseEvent
	var mu sync.Mutex
	ctx.SetClosedFunc(func(ev nmsgapi.CloseEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	reopened := &fakeOutput{}
	first := &fakeOutput{}
	opened := false
	require.NoError(t, ctx.AddOutput(first, nmsgapi.SubtypeNmsg, "out1", AddOutputOptions{
		Name: "out1",
		Reopen: func() (Output, error) {
			opened = true
			return reopened, nil
		},
	}))

	require.NoError(t, ctx.Loop())

	assert.True(t, opened, "close trigger should have reopened the output after its count threshold")

	var countFired, eofFired int
	for _, ev := range events {
		switch ev.Kind {
		case nmsgapi.CloseCount:
			countFired++
			assert.Equal(t, nmsgapi.IOOutput, ev.IOType)
			assert.Equal(t, "out1", ev.UserCookie)
		case nmsgapi.CloseEof:
			eofFired++
		}
	}
	assert.Equal(t, 1, countFired, "count trigger should fire exactly once for a count of 2 over 3 payloads")
	assert.Equal(t, 1, eofFired, "input EOF should fire its own close event")

	assert.Equal(t, []string{"one", "two"}, first.bodies())
	assert.Equal(t, []string{"three"}, reopened.bodies())
}

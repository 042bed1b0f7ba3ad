package nmsgcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "nmsg.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
nmsg:
  context:
    output_mode: stripe
    count: 100
  inputs:
    - name: in1
      kind: nmsg
      transport:
        kind: file
        path: /tmp/in.nmsg
  outputs:
    - name: out1
      kind: presentation
      transport:
        kind: file
        path: /tmp/out.pres
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "stripe", cfg.Context.OutputMode)
	assert.Equal(t, 100, cfg.Context.Count)
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Inputs, 1)
	assert.Equal(t, "file", cfg.Inputs[0].Transport.Kind)
}

func TestLoadRejectsUnknownOutputMode(t *testing.T) {
	path := writeConfig(t, `
nmsg:
  context:
    output_mode: bogus
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsCaptureWithoutInterface(t *testing.T) {
	path := writeConfig(t, `
nmsg:
  inputs:
    - name: cap
      kind: nmsg
      transport:
        kind: capture
        capture:
          mode: live
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAcceptsCaptureFileMode(t *testing.T) {
	path := writeConfig(t, `
nmsg:
  inputs:
    - name: cap
      kind: nmsg
      transport:
        kind: capture
        capture:
          mode: file
          path: /tmp/capture.pcap
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/capture.pcap", cfg.Inputs[0].Transport.Capture.Path)
}

func TestLoadRejectsBadReassemblyTimeout(t *testing.T) {
	path := writeConfig(t, `
nmsg:
  inputs:
    - name: cap
      kind: nmsg
      transport:
        kind: capture
        capture:
          mode: file
          path: /tmp/capture.pcap
          reassembly_timeout: not-a-duration
`)
	_, err := Load(path)
	assert.Error(t, err)
}

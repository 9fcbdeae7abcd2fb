package sandbox

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/verify"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{cfg: config.SandboxConfig{
		DefaultTimeoutSecs: 60,
		MaxTimeoutSecs:     300,
		DefaultMemoryMB:    256,
		MaxMemoryMB:        512,
		MaxScriptBytes:     1 << 20,
		MaxOutputBytes:     64 << 10,
	}}
}

func TestValidateSpec(t *testing.T) {
	r := testRunner(t)
	script := base64.StdEncoding.EncodeToString([]byte(`print("ok")`))

	assert.NoError(t, r.ValidateSpec(verify.ScriptSpec{Script: script}))
	assert.NoError(t, r.ValidateSpec(verify.ScriptSpec{
		Script: script, Runtime: "node:22", TimeoutSeconds: 300, MemoryLimitMB: 512,
	}))
	// Omitted limits fall back to the configured defaults.
	assert.NoError(t, r.ValidateSpec(verify.ScriptSpec{
		Script: script, TimeoutSeconds: 0, MemoryLimitMB: 0,
	}))

	cases := map[string]verify.ScriptSpec{
		"bad base64":       {Script: "not base64!!"},
		"bad runtime":      {Script: script, Runtime: "perl:5"},
		"timeout too big":  {Script: script, TimeoutSeconds: 301},
		"negative timeout": {Script: script, TimeoutSeconds: -1},
		"memory too big":   {Script: script, MemoryLimitMB: 513},
		"oversized script": {Script: base64.StdEncoding.EncodeToString(
			[]byte(strings.Repeat("a", 1<<20+1)))},
	}
	for name, spec := range cases {
		err := r.ValidateSpec(spec)
		require.Error(t, err, name)
		assert.Equal(t, core.KindValidation, core.KindOf(err), name)
	}
}

func TestCommandFor(t *testing.T) {
	assert.Equal(t, []string{"python", "/input/verify"}, commandFor("python:3.13"))
	assert.Equal(t, []string{"node", "/input/verify"}, commandFor("node:22"))
	assert.Equal(t, []string{"bash", "/input/verify"}, commandFor("bash"))
	assert.Equal(t, []string{"ruby", "/input/verify"}, commandFor("ruby:3.3"))
}

func TestCapWriterStopsAtLimit(t *testing.T) {
	w := newCapWriter(10)
	n, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	// Writes past the cap report success but keep nothing extra.
	n, err = w.Write([]byte("world and more"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, "hello worl", w.String())

	n, err = w.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "hello worl", w.String())
}

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("TEST_SECRET_ALPHA", "shh")
	s, err := New("env", "")
	require.NoError(t, err)

	v, err := s.Get("TEST_SECRET_ALPHA")
	require.NoError(t, err)
	assert.Equal(t, "shh", v)

	_, err = s.Get("TEST_SECRET_MISSING")
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "WALLET_MASTER_SEED"), []byte("deadbeef\n"), 0o600))

	s, err := New("file", dir)
	require.NoError(t, err)

	v, err := s.Get("WALLET_MASTER_SEED")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", v)

	_, err = s.Get("NOPE")
	assert.Error(t, err)
	_, err = s.Get("../etc/passwd")
	assert.Error(t, err)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New("vault", "")
	assert.Error(t, err)
	_, err = New("file", "")
	assert.Error(t, err)
}

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSecretFrom(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jwt_secret"), []byte("  s3cr3t\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty"), []byte("\n"), 0o600))

	t.Run("trims value", func(t *testing.T) {
		v, err := ReadSecretFrom(dir, "jwt_secret")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", v)
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := ReadSecretFrom(dir, "empty")
		assert.ErrorContains(t, err, "is empty")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadSecretFrom(dir, "nope")
		assert.Error(t, err)
	})
}

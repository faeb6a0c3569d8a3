package env

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetters_Defaults(t *testing.T) {
	assert.Equal(t, "fallback", GetString("RELAY_TEST_UNSET", "fallback"))
	assert.Equal(t, 7, GetInt("RELAY_TEST_UNSET", 7))
	assert.Equal(t, true, GetBool("RELAY_TEST_UNSET", true))
	assert.Equal(t, 2*time.Second, GetDuration("RELAY_TEST_UNSET", 2*time.Second))
	assert.Equal(t, 0.5, GetFloat("RELAY_TEST_UNSET", 0.5))
}

func TestGetters_ParseAndFallbackOnGarbage(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "42")
	t.Setenv("RELAY_TEST_BAD_INT", "forty-two")
	t.Setenv("RELAY_TEST_DUR", "150ms")

	assert.Equal(t, 42, GetInt("RELAY_TEST_INT", 1))
	assert.Equal(t, 1, GetInt("RELAY_TEST_BAD_INT", 1))
	assert.Equal(t, 150*time.Millisecond, GetDuration("RELAY_TEST_DUR", time.Second))
}

func TestGetStringSlice(t *testing.T) {
	t.Setenv("RELAY_TEST_HOSTS", " a, b ,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, GetStringSlice("RELAY_TEST_HOSTS", nil))

	t.Setenv("RELAY_TEST_EMPTY", ",,")
	assert.Equal(t, []string{"x"}, GetStringSlice("RELAY_TEST_EMPTY", []string{"x"}))
}

func TestGetStringFromFile_PrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	t.Setenv("RELAY_TEST_SECRET", "from-env")
	t.Setenv("RELAY_TEST_SECRET_FILE", path)

	assert.Equal(t, "from-file", GetStringFromFile("RELAY_TEST_SECRET", ""))
}

func TestGetBase64FromFile(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 9
	t.Setenv("RELAY_TEST_KEY", base64.StdEncoding.EncodeToString(key))

	decoded, err := GetBase64FromFile("RELAY_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	t.Setenv("RELAY_TEST_KEY", "%%%")
	_, err = GetBase64FromFile("RELAY_TEST_KEY")
	assert.Error(t, err)

	missing, err := GetBase64FromFile("RELAY_TEST_KEY_MISSING")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

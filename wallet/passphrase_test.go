package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPassphraseFromEnvIsCached(t *testing.T) {
	t.Setenv("SCRUMVOTE_TEST_PASS", "hunter2")
	src := NewPassphraseSource(" SCRUMVOTE_TEST_PASS ")
	got, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)

	t.Setenv("SCRUMVOTE_TEST_PASS", "changed")
	got, err = src.Get()
	require.NoError(t, err)
	require.Equal(t, "hunter2", got)
}

func TestPassphraseRejectsBlankEnv(t *testing.T) {
	t.Setenv("SCRUMVOTE_TEST_PASS", "   ")
	_, err := NewPassphraseSource("SCRUMVOTE_TEST_PASS").Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestPassphraseFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("correct horse\n"), 0o600))
	t.Setenv("SCRUMVOTE_TEST_PASS_FILE", path)
	got, err := NewPassphraseSource("SCRUMVOTE_TEST_PASS").Get()
	require.NoError(t, err)
	require.Equal(t, "correct horse", got)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	_, err = NewPassphraseSource("SCRUMVOTE_TEST_PASS").Get()
	require.ErrorContains(t, err, "empty passphrase")
}

func TestPassphraseMissingFile(t *testing.T) {
	t.Setenv("SCRUMVOTE_TEST_PASS_FILE", filepath.Join(t.TempDir(), "absent"))
	_, err := NewPassphraseSource("SCRUMVOTE_TEST_PASS").Get()
	require.ErrorContains(t, err, "SCRUMVOTE_TEST_PASS_FILE")
}

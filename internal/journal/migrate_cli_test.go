package journal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		err := RunMigrateCommand(args, path, &out)
		return out.String(), err
	}

	out, err := run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "version 0 (dirty: false)")

	out, err = run("up")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2 (dirty: false)")

	out, err = run("down")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1 (dirty: false)")

	out, err = run("force", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2")
}

func TestRunMigrateCommand_Usage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	var out bytes.Buffer

	assert.ErrorIs(t, RunMigrateCommand(nil, path, &out), ErrUsage)
	assert.ErrorIs(t, RunMigrateCommand([]string{"sideways"}, path, &out), ErrUsage)
	assert.ErrorIs(t, RunMigrateCommand([]string{"force"}, path, &out), ErrUsage)
	assert.Error(t, RunMigrateCommand([]string{"force", "x"}, path, &out))
	assert.Error(t, RunMigrateCommand([]string{"status"}, "", &out))
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb.pid")
	require.Nil(t, setupPIDFile(path))
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(data))

	// the file of a live process is kept
	assert.NotNil(t, setupPIDFile(path))

	delPidfile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStalePIDFileReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb.pid")
	require.Nil(t, os.WriteFile(path, []byte("999999999"), 0644))
	require.Nil(t, setupPIDFile(path))
	data, err := os.ReadFile(path)
	require.Nil(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(data))
}

/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package appmain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvMissingFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	assert.NoError(t, loadEnv())
}

func TestLoadEnvKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_TEST_NEW=loaded\nRELAY_TEST_SET=file\n"), 0o600))

	t.Setenv("ENV_FILE", path)
	t.Setenv("RELAY_TEST_SET", "process")
	t.Cleanup(func() {
		os.Unsetenv("RELAY_TEST_NEW")
	})

	require.NoError(t, loadEnv())
	assert.Equal(t, "loaded", os.Getenv("RELAY_TEST_NEW"))
	assert.Equal(t, "process", os.Getenv("RELAY_TEST_SET"))
}

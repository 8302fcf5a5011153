package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/projenv"
)

func TestDaemonArgs(t *testing.T) {
	in := []string{"ikesess", "start", "-d", "--config", "/etc/ikesess.yml", "--daemon=true", "-c", "dev.yml"}
	assert.Equal(t, []string{"ikesess", "start", "--config", "/etc/ikesess.yml", "-c", "dev.yml"}, daemonArgs(in))
}

func TestCheckCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"ikesess", "check", "-c", projenv.DefaultConfigFile}))
	assert.Contains(t, out.String(), "site-a: server vpn.example.com, 1 child session(s)")

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("Info: {Version: 0.9.0}\n"), 0o600))
	out.Reset()
	assert.Error(t, newApp(&out).Run([]string{"ikesess", "check", "-c", bad}))
}

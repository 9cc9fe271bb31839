package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sacard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen: \":4000\"\nstore-address: \"consul.internal:8500\"\nphase-timeout: 10m\n",
	), 0644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	listen := fs.String("listen", ":3031", "")
	storeAddress := fs.String("store-address", "127.0.0.1:8500", "")
	phaseTimeout := fs.Duration("phase-timeout", 5*time.Minute, "")
	require.NoError(t, fs.Parse([]string{"--listen", ":9999"}))

	require.NoError(t, loadConfigFile(fs, path))

	// CLI beats file; file beats default.
	assert.Equal(t, ":9999", *listen)
	assert.Equal(t, "consul.internal:8500", *storeAddress)
	assert.Equal(t, 10*time.Minute, *phaseTimeout)
}

func TestLoadConfigFileMissing(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.Error(t, loadConfigFile(fs, "/does/not/exist.yaml"))
}

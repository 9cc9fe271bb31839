package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommandDefaultsToUnversioned(t *testing.T) {
	cmd := newVersionCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	require.NoError(t, cmd.RunE(cmd, nil))
	assert.Equal(t, "unversioned", strings.TrimSpace(out.String()))
}

func TestVersionCommandRejectsArgs(t *testing.T) {
	cmd := newVersionCommand()
	assert.Error(t, cmd.RunE(cmd, []string{"extra"}))
}

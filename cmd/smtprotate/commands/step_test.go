package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/smtprotate/internal/config"
	"github.com/systmms/smtprotate/internal/logging"
)

func TestStepCommandRejectsUnknownStep(t *testing.T) {
	cfg := &config.Config{Path: "does-not-exist.yaml", Logger: logging.New(false, true)}
	cmd := NewStepCommand(cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--step", "rollbackSecret", "--token", "t1"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestStepCommandRequiresFlags(t *testing.T) {
	cfg := &config.Config{Logger: logging.New(false, true)}
	cmd := NewStepCommand(cfg)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--step", "createSecret"})

	assert.Error(t, cmd.Execute())
}

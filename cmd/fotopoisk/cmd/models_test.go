package cmd

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelsCmd_HasSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	modelsCmd, _, err := cmd.Find([]string{"models"})
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, sc := range modelsCmd.Commands() {
		names[sc.Name()] = true
	}
	assert.True(t, names["list"], "should have list command")
	assert.True(t, names["promote"], "should have promote command")
	assert.True(t, names["restore"], "should have restore command")
	assert.True(t, names["cleanup"], "should have cleanup command")
}

func TestModelsListCmd_FreshRegistry(t *testing.T) {
	cfgPath := writeTestConfig(t)

	output, err := runRoot(t, "--config", cfgPath, "models", "list", "--json")
	require.NoError(t, err)

	var listed struct {
		Active string            `json:"active"`
		Models []json.RawMessage `json:"models"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &listed))

	assert.Equal(t, "base", listed.Active, "fresh registry serves the base model")
	assert.Empty(t, listed.Models, "no fine-tuned versions yet")
}

func TestModelsListCmd_TableHeader(t *testing.T) {
	cfgPath := writeTestConfig(t)

	// Table output on a fresh registry still prints the header.
	output, err := runRoot(t, "--config", cfgPath, "models", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "VERSION")
}

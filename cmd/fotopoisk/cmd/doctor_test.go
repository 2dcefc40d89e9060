package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoctorCmd_HasFlags(t *testing.T) {
	cmd := NewRootCmd()

	doctorCmd, _, err := cmd.Find([]string{"doctor"})
	require.NoError(t, err)

	assert.NotNil(t, doctorCmd.Flags().Lookup("verbose"), "should have --verbose flag")
	assert.NotNil(t, doctorCmd.Flags().Lookup("json"), "should have --json flag")
	assert.NotNil(t, doctorCmd.Flags().Lookup("offline"), "should have --offline flag")
}

func TestDoctorCmd_ShortFlagForVerbose(t *testing.T) {
	cmd := NewRootCmd()

	doctorCmd, _, err := cmd.Find([]string{"doctor"})
	require.NoError(t, err)

	flag := doctorCmd.Flags().ShorthandLookup("v")
	require.NotNil(t, flag)
	assert.Equal(t, "verbose", flag.Name)
}

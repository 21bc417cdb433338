package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"sync", "status", "history", "migrate", "datasets"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "pms-sync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSyncCommand_Flags(t *testing.T) {
	for _, name := range []string{"datasets", "branches", "force", "full", "dry-run", "catalog"} {
		require.NotNil(t, syncCmd.Flags().Lookup(name), "sync command should have --%s flag", name)
	}
	assert.Equal(t, "false", syncCmd.Flags().Lookup("dry-run").DefValue)
}

func TestStatusCommand_Flags(t *testing.T) {
	flag := statusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
	require.NotNil(t, statusCmd.Flags().Lookup("alert"))
}

func TestHistoryCommand_Args(t *testing.T) {
	assert.Error(t, historyCmd.Args(historyCmd, nil))
	assert.NoError(t, historyCmd.Args(historyCmd, []string{"booking"}))
	require.NotNil(t, historyCmd.Flags().Lookup("as-of"))
	require.NotNil(t, historyCmd.Flags().Lookup("branch"))
	require.NotNil(t, historyCmd.Flags().Lookup("quarantine"))
}

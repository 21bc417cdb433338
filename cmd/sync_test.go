package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSyncFlagsCmd creates a fresh cobra.Command with the same flags as
// syncCmd, so tests don't share mutable flag state.
func newSyncFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test-sync"}
	cmd.Flags().String("datasets", "", "")
	cmd.Flags().String("branches", "", "")
	cmd.Flags().Bool("force", false, "")
	cmd.Flags().Bool("full", false, "")
	cmd.Flags().Bool("dry-run", false, "")
	return cmd
}

func TestParseSyncOpts_Defaults(t *testing.T) {
	opts, err := parseSyncOpts(newSyncFlagsCmd())
	require.NoError(t, err)
	assert.Nil(t, opts.Datasets)
	assert.Nil(t, opts.Branches)
	assert.False(t, opts.Force)
	assert.False(t, opts.Full)
	assert.False(t, opts.DryRun)
}

func TestParseSyncOpts_AllFlags(t *testing.T) {
	cmd := newSyncFlagsCmd()
	require.NoError(t, cmd.Flags().Set("datasets", " booking, room_lock ,,countries"))
	require.NoError(t, cmd.Flags().Set("branches", "1, 9"))
	require.NoError(t, cmd.Flags().Set("force", "true"))
	require.NoError(t, cmd.Flags().Set("full", "true"))
	require.NoError(t, cmd.Flags().Set("dry-run", "true"))

	opts, err := parseSyncOpts(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"booking", "room_lock", "countries"}, opts.Datasets)
	assert.Equal(t, []int{1, 9}, opts.Branches)
	assert.True(t, opts.Force)
	assert.True(t, opts.Full)
	assert.True(t, opts.DryRun)
}

func TestParseSyncOpts_InvalidBranch(t *testing.T) {
	for _, v := range []string{"abc", "0", "-3", "1,x"} {
		t.Run(v, func(t *testing.T) {
			cmd := newSyncFlagsCmd()
			require.NoError(t, cmd.Flags().Set("branches", v))
			_, err := parseSyncOpts(cmd)
			assert.Error(t, err)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , "))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList("a, b,"))
}

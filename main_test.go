package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	for _, name := range []string{"run", "stop", "unpause", "poll", "launch-poll", "review", "activate", "check", "version", "debug"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		require.NotNil(t, cmd)
		require.Equal(t, name, cmd.Name())
	}
}

func TestControlCommandsRequireAPlanID(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"unpause"})
	require.NoError(t, err)
	require.Error(t, cmd.Args(cmd, nil))
	require.NoError(t, cmd.Args(cmd, []string{"plan-a"}))
}

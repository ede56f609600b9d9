package cmd

import (
	"bytes"
	"fmt"
	"github.com/AfkaraLP/breadbot/breadbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := breadbot.Version
	originalCommitSHA := breadbot.CommitSHA
	originalBuildTime := breadbot.BuildTime

	t.Cleanup(
		func() {
			breadbot.Version = originalVersion
			breadbot.CommitSHA = originalCommitSHA
			breadbot.BuildTime = originalBuildTime
		},
	)

	breadbot.Version = "1.0.0"
	breadbot.CommitSHA = "abc123"
	breadbot.BuildTime = "2023-10-01T12:00:00Z"

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s\n",
		breadbot.Version,
		breadbot.CommitSHA,
		breadbot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}

// captureOutput redirects rootCmd's output to a buffer for the
// duration of the test, and resets the --config flag afterward
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.ErrOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetArgs(nil)
			configFile = ""
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}

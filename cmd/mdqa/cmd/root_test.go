package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mdqa version "))
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "frobnicate")
	assert.Error(t, err)
}

func TestServeRegistersFlags(t *testing.T) {
	cmd := NewRootCmd()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	for _, name := range []string{"port", "directories", "reload-interval", "index-name"} {
		assert.NotNil(t, serve.Flags().Lookup(name), "missing flag %s", name)
	}
}

func TestServeFailsWithoutCredentials(t *testing.T) {
	t.Setenv("MARKDOWN_QA_API_BASE_URL", "")
	t.Setenv("MARKDOWN_QA_API_KEY", "")
	configPath = "/nonexistent/config.yaml"
	t.Cleanup(func() { configPath = "" })

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
}

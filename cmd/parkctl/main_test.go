package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parkpos/backend/internal/code"
	httpserver "github.com/example/parkpos/backend/internal/http"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestFeeCommand(t *testing.T) {
	out, err := run(t, "fee", "--vehicle", "car", "--minutes", "90")
	require.NoError(t, err)
	assert.Equal(t, "car for 90 minutes: 800", out)

	_, err = run(t, "fee", "--vehicle", "bicycle", "--minutes", "90")
	assert.Error(t, err)
}

func TestCodeCommands(t *testing.T) {
	id := uuid.New()

	out, err := run(t, "code", "encode", id.String())
	require.NoError(t, err)
	assert.Equal(t, code.Encode(id), out)

	out, err = run(t, "code", "decode", code.Encode(id))
	require.NoError(t, err)
	assert.Equal(t, id.String(), out)

	_, err = run(t, "code", "decode", "not-a-code")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := run(t, "token", "--staff", "S1", "--secret", "s3cret")
	require.NoError(t, err)

	staff, err := httpserver.NewStaffAuth("s3cret").Validate(out)
	require.NoError(t, err)
	assert.Equal(t, "S1", staff)
}

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/policy"
)

const matchPolicy = `
entity: match: {
	criticality:      "status"
	default_strategy: "prefer-server"
	phase: {
		field: "phase"
		states: ["open", "closed"]
		transitions: open: ["closed"]
	}
}
`

func writePolicy(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateBuiltinPolicy(t *testing.T) {
	out, err := runValidateCmd(t, "text")
	require.NoError(t, err)
	assert.Equal(t, "✓ Config and policies valid (3 entity types)\n", out)
}

func TestValidatePolicyFile(t *testing.T) {
	out, err := runValidateCmd(t, "json", writePolicy(t, matchPolicy))
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"match"}, result.Types)
}

func TestValidatePolicyFromConfig(t *testing.T) {
	dir := t.TempDir()
	policyPath := writePolicy(t, matchPolicy)
	cfgPath := filepath.Join(dir, "device.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("policy_file: "+policyPath+"\n"), 0644))

	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text", Config: cfgPath})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "(1 entity types)")
}

func TestValidateSchemaError(t *testing.T) {
	src := `
entity: match: {
	criticality: "urgent"
}
`
	out, err := runValidateCmd(t, "text", writePolicy(t, src))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "line ")
	assert.Contains(t, out, ErrCodePolicy)
}

func TestValidateSemanticError(t *testing.T) {
	src := `
entity: match: {
	criticality: "status"
	phase: {
		field: "phase"
		states: ["open", "closed"]
		transitions: open: ["reopened"]
	}
}
`
	out, err := runValidateCmd(t, "json", writePolicy(t, src))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, policy.ErrPhaseUnknownState, resp.Error.Code)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "match", result.Errors[0].EntityType)
	assert.Equal(t, "phase.transitions.open", result.Errors[0].Field)
	assert.Contains(t, result.Errors[0].Message, "reopened")
}

func TestValidateMissingFile(t *testing.T) {
	out, err := runValidateCmd(t, "json", filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodePolicy, resp.Error.Code)
}

func TestValidateBadConfig(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: "text", Config: filepath.Join(t.TempDir(), "missing.yaml")})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), ErrCodeConfig)
}

func TestPolicyIssue(t *testing.T) {
	_, ok := policyIssue(os.ErrNotExist)
	assert.False(t, ok)

	issue, ok := policyIssue(policy.ValidationError{
		EntityType: "player",
		Field:      "guarded.status",
		Message:    "at least one permitted role is required",
		Code:       policy.ErrGuardNoRoles,
	})
	require.True(t, ok)
	assert.Equal(t, "player", issue.EntityType)
	assert.Equal(t, policy.ErrGuardNoRoles, issue.Code)

	issue, ok = policyIssue(&policy.CompileError{Field: "entity", Message: "at least one entity policy is required"})
	require.True(t, ok)
	assert.Equal(t, ErrCodePolicy, issue.Code)
	assert.Zero(t, issue.Line)
}

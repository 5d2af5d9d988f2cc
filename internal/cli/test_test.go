package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessTestdata = "../harness/testdata"

// copyScenario copies a harness scenario, and optionally its golden file,
// into dir.
func copyScenario(t *testing.T, dir, name string, withGolden bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(harnessTestdata, "scenarios", name+".yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), data, 0644))

	if !withGolden {
		return
	}
	golden, err := os.ReadFile(filepath.Join(harnessTestdata, "golden", name+".golden"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", name+".golden"), golden, 0644))
}

func runTestCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := runTestCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := runTestCmd(t, "json", t.TempDir())
	require.NoError(t, err)

	var result TestResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, result.Total)
	assert.Empty(t, result.Scenarios)
}

func TestTestCommandMatchesGolden(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "authority_ordering", true)
	copyScenario(t, dir, "offline_queue", true)

	out, err := runTestCmd(t, "text", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ authority_ordering")
	assert.Contains(t, out, "✓ offline_queue")
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "authority_ordering", false)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(goldenFilePath(filepath.Join(dir, "authority_ordering.yaml")), []byte("{}\n"), 0644))

	out, err := runTestCmd(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result TestResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	require.Len(t, result.Scenarios, 1)
	assert.False(t, result.Scenarios[0].Pass)
	assert.Contains(t, result.Scenarios[0].Errors[0], "does not match golden file")
}

func TestTestCommandUpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "authority_ordering", false)

	out, err := runTestCmd(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ authority_ordering (golden updated)")

	written, err := os.ReadFile(filepath.Join(dir, "golden", "authority_ordering.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessTestdata, "golden", "authority_ordering.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// The regenerated file now passes a normal run.
	out, err = runTestCmd(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ authority_ordering\n")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	copyScenario(t, dir, "authority_ordering", false)
	copyScenario(t, dir, "offline_queue", false)

	out, err := runTestCmd(t, "json", dir, "--filter", "authority_*")
	require.NoError(t, err)

	var result TestResult
	decodeResponse(t, out, &result)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "authority_ordering", result.Scenarios[0].Name)
}

func TestTestCommandFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	scenario := `name: wrong_expectation
description: "Expects a value nobody entered"
devices:
  - id: dev-a
    roles: [official_scorer]
seed:
  - id: card-1
    type: scorecard
    fields: { hole_1: 0 }
steps:
  - { device: dev-a, pull: card-1 }
  - device: dev-a
    enqueue: { entity: card-1, type: scorecard, fields: { hole_1: 3 } }
  - { device: dev-a, sync: true }
assertions:
  - type: server_state
    entity: card-1
    fields: { hole_1: 7 }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(scenario), 0644))

	out, err := runTestCmd(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"authority_a.yaml", "authority_b.yaml", "phase.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("name: x\n"), 0644))
	}

	all, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := findScenarioFiles(dir, "authority_*")
	require.NoError(t, err)
	assert.Len(t, some, 2)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "offline_queue.golden"),
		goldenFilePath(filepath.Join("scenarios", "offline_queue.yaml")))
}

func TestTestResultJSON(t *testing.T) {
	data, err := json.Marshal(ScenarioResult{Name: "a", Pass: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a","pass":true}`, string(data))
}

package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runScenario(t *testing.T, yaml string) *Result {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	result, err := Run(context.Background(), scenario, WithDir(t.TempDir()))
	require.NoError(t, err)
	return result
}

func TestRun_Minimal(t *testing.T) {
	result := runScenario(t, minimalScenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{OpEnqueue, OpSync, OpServer, OpDevice}, result.Ops())
	assert.Equal(t, 1, result.Count(OpSync, "dev-a"))
	assert.Equal(t, 0, result.Count(OpConflict, ""))
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	result := runScenario(t, `
name: wrong_expectation
description: "Expects a value the server never had"
devices:
  - id: dev-a
    roles: [player]
steps:
  - device: dev-a
    enqueue: { entity: card-1, type: scorecard, fields: { hole_1: 4 } }
  - { device: dev-a, sync: true }
assertions:
  - type: server_state
    entity: card-1
    fields: { hole_1: 5 }
  - { type: pending, device: dev-a, count: 0 }
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: server_state")
	assert.Contains(t, result.Errors[0], "Expected: card-1.hole_1 = 5")
	assert.Contains(t, result.Errors[0], "Actual: card-1.hole_1 = 4")
	assert.Contains(t, result.Errors[0], `"op":"sync"`, "the trace is attached")
}

const editingScenario = `
name: editing_presence
description: "Devices see who else holds unsynced edits of an entity"
devices:
  - { id: dev-a, roles: [player] }
  - { id: dev-b, roles: [player] }
  - { id: dev-c, roles: [player] }
steps:
  - device: dev-a
    enqueue: { entity: card-1, type: scorecard, fields: { hole_1: 4 } }
  - device: dev-b
    enqueue: { entity: card-1, type: scorecard, fields: { hole_2: 5 } }
  - { device: dev-b, sync: true }
  - { device: dev-c, network: offline }
  - device: dev-c
    enqueue: { entity: card-2, type: scorecard, fields: { hole_1: 3 } }
assertions:
  - { type: editors, device: dev-b, entity: card-1, clients: [dev-a] }
  - { type: editors, device: dev-c, entity: card-1, clients: [dev-a] }
  - { type: editors, device: dev-a, entity: card-1 }
  - { type: editors, device: dev-a, entity: card-2 }
  - { type: pending, device: dev-c, count: 1 }
`

func TestRun_EditingPresence(t *testing.T) {
	result := runScenario(t, editingScenario)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_EditorsMismatchIsReported(t *testing.T) {
	result := runScenario(t, strings.Replace(editingScenario,
		"{ type: editors, device: dev-a, entity: card-2 }",
		"{ type: editors, device: dev-a, entity: card-2, clients: [dev-c] }", 1))
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: editors")
	assert.Contains(t, result.Errors[0], "dev-a sees [dev-c] editing card-2")
}

func TestRun_OfflinePullIsTraced(t *testing.T) {
	result := runScenario(t, `
name: offline_pull
description: "Pulling while offline fails without stopping the run"
devices:
  - id: dev-a
seed:
  - id: card-1
    type: scorecard
    fields: { hole_1: 3 }
steps:
  - { device: dev-a, network: offline }
  - { device: dev-a, pull: card-1 }
  - { device: dev-a, network: online }
  - { device: dev-a, pull: card-1 }
assertions:
  - type: device_state
    device: dev-a
    entity: card-1
    fields: { hole_1: 3 }
  - { type: history, device: dev-a, entity: card-1, count: 1 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	var pulls []TraceEvent
	for _, e := range result.Trace {
		if e.Op == OpPull {
			pulls = append(pulls, e)
		}
	}
	require.Len(t, pulls, 2)
	assert.Contains(t, pulls[0].Attrs["error"], "unavailable")
	assert.NotContains(t, pulls[1].Attrs, "error")
}

func TestRun_EnqueueErrorIsTraced(t *testing.T) {
	result := runScenario(t, `
name: wrong_type
description: "An edit that names the wrong entity type is refused"
devices:
  - id: dev-a
    roles: [committee]
seed:
  - id: t-1
    type: tournament
    fields: { phase: draft }
steps:
  - { device: dev-a, pull: t-1 }
  - device: dev-a
    enqueue: { entity: t-1, type: scorecard, fields: { hole_1: 4 } }
assertions:
  - { type: pending, device: dev-a, count: 0 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	enqueue := result.Trace[2]
	require.Equal(t, OpEnqueue, enqueue.Op)
	assert.Contains(t, enqueue.Attrs["error"], "tournament")
}

func TestRun_RetryUnknownMutation(t *testing.T) {
	result := runScenario(t, `
name: retry_applied
description: "Retrying a mutation that already landed is refused"
devices:
  - id: dev-a
    roles: [player]
steps:
  - device: dev-a
    enqueue: { entity: card-1, type: scorecard, fields: { hole_1: 4 }, as: edit }
  - { device: dev-a, sync: true }
  - { device: dev-a, retry: edit }
assertions:
  - { type: applied, ref: edit }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	retry := result.Trace[2]
	require.Equal(t, OpRetry, retry.Op)
	assert.Equal(t, "NOT_QUEUED", retry.Attrs["error"])
}

func TestRunSuite(t *testing.T) {
	result, err := RunSuite(context.Background(), "testdata/scenarios")
	require.NoError(t, err)
	assert.Positive(t, result.TotalScenarios)
	assert.Equal(t, result.TotalScenarios, result.Passed, "failures: %+v", result.Failures)
	assert.Zero(t, result.Failed)
}

func TestRunSuite_CollectsFailures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_ok.yaml"), []byte(minimalScenario), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_broken.yaml"), []byte("name: [\n"), 0644))
	failing := strings.Replace(minimalScenario, "{ type: applied, ref: edit }", "{ type: pending, device: dev-a, count: 3 }", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c_failing.yml"), []byte(failing), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	result, err := RunSuite(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalScenarios)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Failures, 2)
	assert.Contains(t, result.Failures[0].Error, "failed to load scenario")
	assert.Equal(t, "minimal", result.Failures[1].Scenario)
	assert.Contains(t, result.Failures[1].Error, "scenario assertions failed")
}

func TestFindScenarios_SingleFile(t *testing.T) {
	files, err := FindScenarios("testdata/scenarios/offline_queue.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"testdata/scenarios/offline_queue.yaml"}, files)

	_, err = FindScenarios("testdata/nope")
	assert.Error(t, err)
}

func TestResult_Helpers(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddTrace(OpSync, "dev-a", nil)
	r.AddTrace(OpSync, "dev-b", nil)
	r.AddTrace(OpServer, "", map[string]any{"entity": "card-1"})
	assert.Equal(t, []string{OpSync, OpSync, OpServer}, r.Ops())
	assert.Equal(t, 2, r.Count(OpSync, ""))
	assert.Equal(t, 1, r.Count(OpSync, "dev-b"))

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

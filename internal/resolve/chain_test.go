package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/detect"
	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/policy"
	"github.com/roach88/scoresync/internal/version"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// edit describes one side of a two-writer conflict on the same base.
type edit struct {
	fields model.Object
	auth   model.Authority
	at     time.Time
}

// setup builds a conflict where writer "b" already changed the server copy
// and writer "a" queued a change against the shared base.
func setup(t *testing.T, entityType string, base model.Object, server, local edit) Conflict {
	t.Helper()

	policies, err := policy.Default()
	require.NoError(t, err)

	const id = "e-1"
	baseVec := version.Vector{"origin": 1}
	serverVec := version.Vector{"origin": 1, "b": 1}

	fields := base.Clone()
	for k, v := range server.fields {
		fields[k] = v
	}
	entity := &model.Entity{
		ID:        id,
		Type:      entityType,
		Fields:    fields,
		Version:   serverVec,
		UpdatedAt: server.at,
	}
	history := []model.HistoryEntry{
		{EntityID: id, Version: baseVec, ChangedFields: base, Writer: "origin", MutationID: "m-0", EditedAt: t0},
		{EntityID: id, Version: serverVec, ChangedFields: server.fields, Writer: "b", MutationID: "m-b", Authority: server.auth, EditedAt: server.at},
	}

	m := model.NewMutation("m-a", id, entityType, "a", local.fields, version.Vector{"origin": 1, "a": 1}, local.auth, local.at)
	det := detect.Detect(m, entity, history)
	require.Equal(t, detect.Concurrent, det.Kind)

	return Conflict{
		Mutation:  m,
		Server:    entity,
		Detection: det,
		Policy:    policies.For(entityType),
		Now:       t0.Add(time.Hour),
	}
}

func auth(roles ...model.Role) model.Authority {
	return model.NewAuthority(roles...)
}

func TestResolve_AuthorityOrderingServerWins(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"hole_9": model.Int(0)},
		edit{fields: model.Object{"hole_9": model.Int(4)}, auth: auth(model.RoleOfficialScorer), at: t0.Add(time.Minute)},
		edit{fields: model.Object{"hole_9": model.Int(5)}, auth: auth(model.RolePlayer), at: t0.Add(2 * time.Minute)},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionAuthority, r.Record.Resolution)
	assert.Equal(t, "server", r.Record.Winner)
	assert.True(t, r.Record.Visible)
	assert.Equal(t, model.Int(4), r.Resolved["hole_9"])
	assert.Empty(t, r.Push)
	require.Len(t, r.Record.ConflictingFields, 1)
	assert.Equal(t, model.FieldDiff{Field: "hole_9", Local: model.Int(5), Server: model.Int(4), Resolved: model.Int(4)}, r.Record.ConflictingFields[0])
}

func TestResolve_AuthorityOrderingLocalWins(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"hole_9": model.Int(0)},
		edit{fields: model.Object{"hole_9": model.Int(4)}, auth: auth(model.RolePlayer), at: t0.Add(2 * time.Minute)},
		edit{fields: model.Object{"hole_9": model.Int(5), "hole_10": model.Int(3)}, auth: auth(model.RoleOfficialScorer), at: t0.Add(time.Minute)},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionAuthority, r.Record.Resolution)
	assert.Equal(t, "local", r.Record.Winner)
	assert.Equal(t, model.Object{"hole_9": model.Int(5), "hole_10": model.Int(3)}, r.Push)
}

// A lower-authority mutation never wins once authority ordering fires.
func TestResolve_AuthorityInvariantAllRolePairs(t *testing.T) {
	roles := []model.Role{model.RoleCommittee, model.RoleOfficialScorer, model.RoleRecorder, model.RolePlayer, model.RoleUser}
	for _, localRole := range roles {
		for _, serverRole := range roles {
			if localRole.Level() == serverRole.Level() {
				continue
			}
			t.Run(string(localRole)+"_vs_"+string(serverRole), func(t *testing.T) {
				c := setup(t, "scorecard",
					model.Object{"hole_1": model.Int(0)},
					edit{fields: model.Object{"hole_1": model.Int(4)}, auth: auth(serverRole), at: t0},
					edit{fields: model.Object{"hole_1": model.Int(5)}, auth: auth(localRole), at: t0.Add(time.Hour)},
				)
				r, err := Resolve(c)
				require.NoError(t, err)
				require.Equal(t, model.ResolutionAuthority, r.Record.Resolution)
				if localRole.Level() < serverRole.Level() {
					assert.Equal(t, model.Int(4), r.Resolved["hole_1"])
				} else {
					assert.Equal(t, model.Int(5), r.Resolved["hole_1"])
				}
			})
		}
	}
}

func TestResolve_IrreversibleRejectsUnpermittedSetter(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"status": model.String("active"), "hole_1": model.Int(3)},
		edit{fields: model.Object{"hole_1": model.Int(4)}, auth: auth(model.RoleRecorder), at: t0},
		edit{fields: model.Object{"status": model.String("disqualified"), "hole_1": model.Int(5)}, auth: auth(model.RolePlayer), at: t0.Add(time.Hour)},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.True(t, r.Decision.Reject)
	assert.Equal(t, model.ResolutionIrreversibleRejected, r.Record.Resolution)
	assert.Equal(t, "server", r.Record.Winner)
	assert.Empty(t, r.Push)
	assert.Equal(t, model.String("active"), r.Resolved["status"])
	assert.Equal(t, model.Int(4), r.Resolved["hole_1"])
	assert.Len(t, r.Record.ConflictingFields, 2)
}

func TestResolve_IrreversiblePermittedSetterWins(t *testing.T) {
	// The guard runs before authority ordering, so a permitted official
	// scorer disqualifies even against a committee edit of the same field.
	c := setup(t, "scorecard",
		model.Object{"status": model.String("active")},
		edit{fields: model.Object{"status": model.String("withdrawn")}, auth: auth(model.RoleCommittee), at: t0.Add(time.Hour)},
		edit{fields: model.Object{"status": model.String("disqualified")}, auth: auth(model.RoleOfficialScorer), at: t0},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionIrreversibleGuard, r.Record.Resolution)
	assert.Equal(t, model.String("disqualified"), r.Resolved["status"])
	assert.Equal(t, model.Object{"status": model.String("disqualified")}, r.Push)
}

func TestResolve_IrreversibleUncontestedSetterMerges(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"status": model.String("active"), "notes": model.String("")},
		edit{fields: model.Object{"notes": model.String("late start")}, auth: auth(model.RoleRecorder), at: t0.Add(time.Hour)},
		edit{fields: model.Object{"status": model.String("disqualified")}, auth: auth(model.RoleOfficialScorer), at: t0},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionHistoryMerge, r.Record.Resolution)
	assert.False(t, r.Record.Visible)
	assert.Equal(t, model.String("disqualified"), r.Resolved["status"])
	assert.Equal(t, model.String("late start"), r.Resolved["notes"])
	assert.Equal(t, model.Object{"status": model.String("disqualified")}, r.Push)
}

func TestResolve_IrreversibleCannotBeClearedByLowerAuthority(t *testing.T) {
	for _, role := range []model.Role{model.RolePlayer, model.RoleRecorder} {
		t.Run(string(role), func(t *testing.T) {
			c := setup(t, "player",
				model.Object{"status": model.String("active")},
				edit{fields: model.Object{"status": model.String("disqualified")}, auth: auth(model.RoleCommittee), at: t0},
				edit{fields: model.Object{"status": model.String("active"), "phone": model.String("555")}, auth: auth(role), at: t0.Add(time.Hour)},
			)

			r, err := Resolve(c)
			require.NoError(t, err)

			assert.True(t, r.Decision.Reject)
			assert.Equal(t, model.ResolutionIrreversibleRejected, r.Record.Resolution)
			assert.Equal(t, model.String("disqualified"), r.Resolved["status"])
			assert.Empty(t, r.Push)
		})
	}
}

func TestResolve_IrreversibleClearedByPermittedAuthority(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"status": model.String("active")},
		edit{fields: model.Object{"status": model.String("disqualified")}, auth: auth(model.RoleOfficialScorer), at: t0.Add(time.Hour)},
		edit{fields: model.Object{"status": model.String("active")}, auth: auth(model.RoleCommittee), at: t0},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionIrreversibleGuard, r.Record.Resolution)
	assert.Equal(t, model.String("active"), r.Resolved["status"])
}

func TestResolve_IrreversibleSetByUnpermittedServerWriter(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"status": model.String("active")},
		edit{fields: model.Object{"status": model.String("disqualified")}, auth: auth(model.RolePlayer), at: t0.Add(time.Hour)},
		edit{fields: model.Object{"status": model.String("active"), "hole_2": model.Int(4)}, auth: auth(model.RoleRecorder), at: t0},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.False(t, r.Decision.Reject)
	assert.Equal(t, model.ResolutionIrreversibleRejected, r.Record.Resolution)
	assert.Equal(t, "local", r.Record.Winner)
	assert.Equal(t, model.String("active"), r.Push["status"])
}

func TestResolve_PhaseTransitionLegalEdgeWins(t *testing.T) {
	tests := []struct {
		name          string
		local, server string
		want          string
		winner        string
	}{
		{"server advanced", "active", "scoring_closed", "scoring_closed", "server"},
		{"local advanced", "scoring_closed", "active", "scoring_closed", "local"},
		{"archive after finalize", "archived", "finalized", "archived", "local"},
		{"neither legal, weight decides", "active", "draft", "active", "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setup(t, "tournament",
				model.Object{"phase": model.String("registration")},
				edit{fields: model.Object{"phase": model.String(tt.server)}, auth: auth(model.RoleCommittee), at: t0.Add(time.Hour)},
				edit{fields: model.Object{"phase": model.String(tt.local)}, auth: auth(model.RoleCommittee), at: t0},
			)

			r, err := Resolve(c)
			require.NoError(t, err)

			assert.Equal(t, model.ResolutionPhaseTransition, r.Record.Resolution)
			assert.Equal(t, model.String(tt.want), r.Resolved["phase"])
			assert.Equal(t, tt.winner, r.Record.Winner)
		})
	}
}

func TestResolve_PhaseTransitionUnknownStatesPass(t *testing.T) {
	c := Conflict{
		Mutation: model.NewMutation("m-a", "t-1", "tournament", "a",
			model.Object{"phase": model.String("bogus")}, version.Vector{"a": 1}, auth(), t0),
		Server:    &model.Entity{ID: "t-1", Fields: model.Object{"phase": model.String("unknown")}},
		Detection: detect.Detection{Kind: detect.Concurrent, Overlap: []string{"phase"}},
		Policy:    mustPolicies(t).For("tournament"),
	}
	_, ok := PhaseTransition(c)
	assert.False(t, ok)
}

func TestResolve_HistoryMergeDisjointFields(t *testing.T) {
	c := setup(t, "player",
		model.Object{"phone": model.String("111"), "notes": model.String("")},
		edit{fields: model.Object{"notes": model.String("prefers early tee")}, auth: auth(model.RolePlayer), at: t0.Add(time.Hour)},
		edit{fields: model.Object{"phone": model.String("222")}, auth: auth(model.RolePlayer), at: t0},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionHistoryMerge, r.Record.Resolution)
	assert.False(t, r.Record.Visible)
	assert.Equal(t, "merged", r.Record.Winner)
	assert.Empty(t, r.Record.ConflictingFields)
	assert.Equal(t, model.Object{
		"phone": model.String("222"),
		"notes": model.String("prefers early tee"),
	}, r.Resolved)
	assert.Equal(t, model.Object{"phone": model.String("222")}, r.Push)
}

func TestResolve_FieldStrategies(t *testing.T) {
	tests := []struct {
		name       string
		entityType string
		field      string
		local      model.Value
		server     model.Value
		want       model.Value
	}{
		{"concat notes", "player", "notes", model.String("late tee"), model.String("rain delay"), model.String("rain delay\nlate tee")},
		{"max birdies", "scorecard", "birdies", model.Int(3), model.Int(2), model.Int(3)},
		{"max keeps server", "scorecard", "birdies", model.Int(1), model.Int(2), model.Int(2)},
		{"prefer server", "scorecard", "attested", model.Bool(false), model.Bool(true), model.Bool(true)},
		{"prefer server handicap", "player", "handicap", model.Int(12), model.Int(10), model.Int(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setup(t, tt.entityType,
				model.Object{tt.field: model.Null{}},
				edit{fields: model.Object{tt.field: tt.server}, auth: auth(model.RolePlayer), at: t0.Add(time.Hour)},
				edit{fields: model.Object{tt.field: tt.local}, auth: auth(model.RolePlayer), at: t0},
			)

			r, err := Resolve(c)
			require.NoError(t, err)

			assert.Equal(t, model.ResolutionFieldStrategy, r.Record.Resolution)
			assert.Equal(t, tt.want, r.Resolved[tt.field])
			assert.True(t, r.Record.Visible)
		})
	}
}

func TestResolve_FieldStrategyMixesLatestFields(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"hole_3": model.Int(0), "birdies": model.Int(0)},
		edit{fields: model.Object{"hole_3": model.Int(4), "birdies": model.Int(1)}, auth: auth(model.RoleRecorder), at: t0},
		edit{fields: model.Object{"hole_3": model.Int(3), "birdies": model.Int(2)}, auth: auth(model.RoleRecorder), at: t0.Add(time.Minute)},
	)

	r, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.ResolutionFieldStrategy, r.Record.Resolution)
	assert.Equal(t, model.Int(3), r.Resolved["hole_3"])
	assert.Equal(t, model.Int(2), r.Resolved["birdies"])
	assert.Equal(t, model.Object{"hole_3": model.Int(3), "birdies": model.Int(2)}, r.Push)
}

func TestResolve_TimestampFallback(t *testing.T) {
	tests := []struct {
		name     string
		localAt  time.Time
		serverAt time.Time
		want     model.Value
	}{
		{"local later", t0.Add(2 * time.Minute), t0.Add(time.Minute), model.Int(5)},
		{"server later", t0.Add(time.Minute), t0.Add(2 * time.Minute), model.Int(4)},
		{"tie goes to server", t0.Add(time.Minute), t0.Add(time.Minute), model.Int(4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setup(t, "scorecard",
				model.Object{"hole_9": model.Int(0)},
				edit{fields: model.Object{"hole_9": model.Int(4)}, auth: auth(model.RolePlayer), at: tt.serverAt},
				edit{fields: model.Object{"hole_9": model.Int(5)}, auth: auth(model.RolePlayer), at: tt.localAt},
			)

			r, err := Resolve(c)
			require.NoError(t, err)

			assert.Equal(t, model.ResolutionTimestamp, r.Record.Resolution)
			assert.True(t, r.Record.Visible)
			assert.Equal(t, tt.want, r.Resolved["hole_9"])
		})
	}
}

func TestResolve_UnknownServerAuthoritySkipsAuthority(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"hole_9": model.Int(0)},
		edit{fields: model.Object{"hole_9": model.Int(4)}, at: t0},
		edit{fields: model.Object{"hole_9": model.Int(5)}, auth: auth(model.RoleCommittee), at: t0.Add(time.Minute)},
	)

	r, err := Resolve(c)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionTimestamp, r.Record.Resolution)
}

func TestResolve_RecordIDIsDeterministic(t *testing.T) {
	c := setup(t, "scorecard",
		model.Object{"hole_9": model.Int(0)},
		edit{fields: model.Object{"hole_9": model.Int(4)}, auth: auth(model.RoleOfficialScorer), at: t0},
		edit{fields: model.Object{"hole_9": model.Int(5)}, auth: auth(model.RolePlayer), at: t0},
	)

	first, err := Resolve(c)
	require.NoError(t, err)
	second, err := Resolve(c)
	require.NoError(t, err)

	assert.Equal(t, model.MustConflictID("m-a", c.Server.Version), first.Record.ID)
	assert.Equal(t, first.Record, second.Record)
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		strategy policy.Strategy
		local    model.Value
		server   model.Value
		want     model.Value
		ok       bool
	}{
		{"concat", policy.Concat, model.String("b"), model.String("a"), model.String("a\nb"), true},
		{"concat same", policy.Concat, model.String("a"), model.String("a"), model.String("a"), true},
		{"concat empty server", policy.Concat, model.String("b"), model.String(""), model.String("b"), true},
		{"concat empty local", policy.Concat, model.String(""), model.String("a"), model.String("a"), true},
		{"concat null server", policy.Concat, model.String("b"), model.Null{}, model.String("b"), true},
		{"concat non-string", policy.Concat, model.Int(1), model.String("a"), nil, false},
		{"min", policy.Min, model.Int(3), model.Int(2), model.Int(2), true},
		{"max mismatched", policy.Max, model.String("3"), model.Int(2), nil, false},
		{"not a combinator", policy.PreferLocal, model.Int(1), model.Int(2), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := combine(tt.strategy, tt.local, tt.server)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func mustPolicies(t *testing.T) *policy.Set {
	t.Helper()
	set, err := policy.Default()
	require.NoError(t, err)
	return set
}

package vidhi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sriinnu/chitragupta/clock"
	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/store"
	"github.com/sriinnu/chitragupta/types"
)

type fakeSessionSource struct {
	sessions []types.SessionRecord
}

func (f *fakeSessionSource) LoadSessions(ctx context.Context, project string) ([]types.SessionRecord, error) {
	return f.sessions, nil
}

func newTestRepo(t *testing.T) *store.VidhiRepository {
	t.Helper()
	db := store.NewMemStore()
	repo, err := store.NewVidhiRepository(context.Background(), db, logger.NoOp{})
	require.NoError(t, err)
	return repo
}

func readEditSession(id, path string) types.SessionRecord {
	return types.SessionRecord{
		ID:      id,
		Project: "proj",
		Turns: []types.Turn{
			{Role: "user", Content: "please edit the config file"},
			{Role: "assistant", ToolCalls: []types.ToolCallRecord{
				{Name: "read", Input: map[string]interface{}{"path": path, "encoding": "utf-8"}},
				{Name: "edit", Input: map[string]interface{}{"path": path, "encoding": "utf-8"}},
			}},
		},
	}
}

// scenario 6: 4 sessions with a read->edit sequence, differing path,
// identical encoding, minSessions=3.
func TestExtract_LearnsParameterizedProcedure(t *testing.T) {
	sessions := &fakeSessionSource{sessions: []types.SessionRecord{
		readEditSession("s1", "/a.txt"),
		readEditSession("s2", "/b.txt"),
		readEditSession("s3", "/c.txt"),
		readEditSession("s4", "/d.txt"),
	}}
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MinSessions: 3, MinSequenceLength: 2, MaxSequenceLength: 5}, clk, logger.NoOp{}, repo, sessions, nil)

	report, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewVidhis)

	all, err := e.LoadAll(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, all, 1)

	v := all[0]
	require.Len(t, v.Steps, 2)
	assert.Equal(t, "${param_path}", v.Steps[0].ArgTemplate["path"])
	assert.Equal(t, "utf-8", v.Steps[0].ArgTemplate["encoding"])

	param, ok := v.ParameterSchema["param_path"]
	require.True(t, ok)
	assert.Equal(t, "string", param.Type)

	assert.Len(t, v.LearnedFrom, 4)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
}

func TestExtract_BelowMinSessionsProducesNothing(t *testing.T) {
	sessions := &fakeSessionSource{sessions: []types.SessionRecord{
		readEditSession("s1", "/a.txt"),
		readEditSession("s2", "/b.txt"),
	}}
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MinSessions: 3, MinSequenceLength: 2, MaxSequenceLength: 5}, clk, logger.NoOp{}, repo, sessions, nil)

	report, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)
	assert.Zero(t, report.NewVidhis)
}

func TestExtract_SkipsWindowsContainingErrors(t *testing.T) {
	erroring := readEditSession("s1", "/a.txt")
	erroring.Turns[1].ToolCalls[1].IsError = true
	sessions := &fakeSessionSource{sessions: []types.SessionRecord{
		erroring,
		readEditSession("s2", "/b.txt"),
		readEditSession("s3", "/c.txt"),
	}}
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MinSessions: 3, MinSequenceLength: 2, MaxSequenceLength: 5}, clk, logger.NoOp{}, repo, sessions, nil)

	report, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)
	// only two clean sessions remain, short of minSessions=3.
	assert.Zero(t, report.NewVidhis)
	assert.Zero(t, report.Reinforced)
}

func TestExtract_ReinforcesExistingVidhiOnRepeatRun(t *testing.T) {
	sessions := &fakeSessionSource{sessions: []types.SessionRecord{
		readEditSession("s1", "/a.txt"),
		readEditSession("s2", "/b.txt"),
		readEditSession("s3", "/c.txt"),
	}}
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MinSessions: 3, MinSequenceLength: 2, MaxSequenceLength: 5}, clk, logger.NoOp{}, repo, sessions, nil)

	_, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)

	sessions.sessions = append(sessions.sessions, readEditSession("s4", "/d.txt"))
	report, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reinforced)
	assert.Zero(t, report.NewVidhis)
}

func TestRecordOutcome_UpdatesCountsAndSuccessRate(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{}, clk, logger.NoOp{}, repo, &fakeSessionSource{}, nil)

	v := &types.VidhiRecord{ID: "v1", Project: "proj"}
	require.NoError(t, e.Persist(context.Background(), v))

	require.NoError(t, e.RecordOutcome(context.Background(), "v1", true))
	require.NoError(t, e.RecordOutcome(context.Background(), "v1", false))

	got, err := e.GetVidhi(context.Background(), "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	assert.InDelta(t, 2.0/4.0, got.SuccessRate(), 1e-9)
}

func TestRecordOutcome_NoopOnUnknownID(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{}, clk, logger.NoOp{}, repo, &fakeSessionSource{}, nil)

	err := e.RecordOutcome(context.Background(), "missing", true)
	assert.NoError(t, err)
}

func TestRetire_RemovesVidhi(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{}, clk, logger.NoOp{}, repo, &fakeSessionSource{}, nil)

	v := &types.VidhiRecord{ID: "v1", Project: "proj"}
	require.NoError(t, e.Persist(context.Background(), v))
	require.NoError(t, e.Retire(context.Background(), "v1"))

	got, err := e.GetVidhi(context.Background(), "v1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadAll_RoundTripsPersistedVidhis(t *testing.T) {
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{}, clk, logger.NoOp{}, repo, &fakeSessionSource{}, nil)

	v := &types.VidhiRecord{
		ID:              "v1",
		Project:         "proj",
		Name:            "read -> edit",
		Steps:           []types.VidhiStep{{Index: 0, ToolName: "read", ArgTemplate: map[string]interface{}{"path": "${param_path}"}}},
		Triggers:        []string{"edit config"},
		ParameterSchema: map[string]types.VidhiParam{"param_path": {Name: "param_path", Type: "string"}},
		LearnedFrom:     []string{"s1", "s2", "s3"},
		Confidence:      0.8,
	}
	require.NoError(t, e.Persist(context.Background(), v))

	all, err := e.LoadAll(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, v.ID, all[0].ID)
	assert.Equal(t, v.Steps, all[0].Steps)
	assert.Equal(t, v.ParameterSchema, all[0].ParameterSchema)
	assert.Equal(t, v.LearnedFrom, all[0].LearnedFrom)
}

// invariant: every ${param} in an ArgTemplate has a matching ParameterSchema
// entry.
func TestExtract_EveryTemplatedParamHasSchemaEntry(t *testing.T) {
	sessions := &fakeSessionSource{sessions: []types.SessionRecord{
		readEditSession("s1", "/a.txt"),
		readEditSession("s2", "/b.txt"),
		readEditSession("s3", "/c.txt"),
	}}
	repo := newTestRepo(t)
	clk := clock.NewFake(time.Unix(0, 0))
	e := New(Config{MinSessions: 3, MinSequenceLength: 2, MaxSequenceLength: 5}, clk, logger.NoOp{}, repo, sessions, nil)

	_, err := e.Extract(context.Background(), "proj")
	require.NoError(t, err)

	all, err := e.LoadAll(context.Background(), "proj")
	require.NoError(t, err)
	require.Len(t, all, 1)

	for _, step := range all[0].Steps {
		for _, v := range step.ArgTemplate {
			s, ok := v.(string)
			if !ok || len(s) < 3 || s[:2] != "${" {
				continue
			}
			name := s[2 : len(s)-1]
			_, found := all[0].ParameterSchema[name]
			assert.True(t, found, "template references undeclared parameter %q", name)
		}
	}
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/types"
)

func newVidhiRepo(t *testing.T) *VidhiRepository {
	t.Helper()
	repo, err := NewVidhiRepository(context.Background(), NewMemStore(), logger.NoOp{})
	require.NoError(t, err)
	return repo
}

func sampleVidhi(id, project string) *types.VidhiRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.VidhiRecord{
		TimestampedEntity: types.TimestampedEntity{CreatedAt: now, UpdatedAt: now},
		ID:                id,
		Project:           project,
		Name:              "read-then-edit",
		Steps: []types.VidhiStep{
			{Index: 0, ToolName: "read", ArgTemplate: map[string]interface{}{"path": "${param_path}"}},
			{Index: 1, ToolName: "edit", ArgTemplate: map[string]interface{}{"path": "${param_path}"}},
		},
		Triggers: []string{"edit file"},
		ParameterSchema: map[string]types.VidhiParam{
			"param_path": {Name: "param_path", Type: "string", Examples: []interface{}{"/a.txt"}},
		},
		LearnedFrom: []string{"s1", "s2", "s3"},
		Confidence:  0.8,
	}
}

func TestVidhiRepository_SaveAndLoadByIDRoundTrips(t *testing.T) {
	repo := newVidhiRepo(t)
	ctx := context.Background()

	v := sampleVidhi("v1", "proj")
	require.NoError(t, repo.Save(ctx, v))

	got, err := repo.LoadByID(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, v.Project, got.Project)
	assert.Equal(t, v.Name, got.Name)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "read", got.Steps[0].ToolName)
	assert.Equal(t, "${param_path}", got.Steps[0].ArgTemplate["path"])
	assert.Equal(t, v.Triggers, got.Triggers)
	require.Contains(t, got.ParameterSchema, "param_path")
	assert.Equal(t, "string", got.ParameterSchema["param_path"].Type)
	assert.Equal(t, v.LearnedFrom, got.LearnedFrom)
	assert.Equal(t, v.Confidence, got.Confidence)
}

func TestVidhiRepository_LoadByIDReturnsNilForMissingID(t *testing.T) {
	repo := newVidhiRepo(t)
	got, err := repo.LoadByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVidhiRepository_LoadByProjectFiltersCorrectly(t *testing.T) {
	repo := newVidhiRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleVidhi("v1", "proj-a")))
	require.NoError(t, repo.Save(ctx, sampleVidhi("v2", "proj-a")))
	require.NoError(t, repo.Save(ctx, sampleVidhi("v3", "proj-b")))

	got, err := repo.LoadByProject(ctx, "proj-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestVidhiRepository_DeleteRemovesRow(t *testing.T) {
	repo := newVidhiRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleVidhi("v1", "proj")))
	require.NoError(t, repo.Delete(ctx, "v1"))

	got, err := repo.LoadByID(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVidhiRepository_LoadByIDSkipsMalformedJSONAndReturnsNil(t *testing.T) {
	repo := newVidhiRepo(t)
	ctx := context.Background()

	insert, err := repo.db.Prepare(ctx, `INSERT OR REPLACE INTO vidhis
		(id, project, name, steps_json, triggers_json, parameter_schema_json, learned_from_json,
		 confidence, success_count, failure_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	require.NoError(t, err)
	_, err = insert.Run(ctx, "bad", "proj", "n", "not-json", "[]", "{}", "[]", 0.5, 0, 0, 0.5, int64(1), int64(1))
	require.NoError(t, err)

	got, err := repo.LoadByID(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVidhiRepository_LoadByProjectSkipsMalformedRowsButKeepsGoodOnes(t *testing.T) {
	repo := newVidhiRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleVidhi("good", "proj")))

	insert, err := repo.db.Prepare(ctx, `INSERT OR REPLACE INTO vidhis
		(id, project, name, steps_json, triggers_json, parameter_schema_json, learned_from_json,
		 confidence, success_count, failure_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	require.NoError(t, err)
	_, err = insert.Run(ctx, "bad", "proj", "n", "garbage", "[]", "{}", "[]", 0.5, 0, 0, 0.5, int64(1), int64(1))
	require.NoError(t, err)

	got, err := repo.LoadByProject(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ID)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/types"
)

const vidhisSchema = `
CREATE TABLE IF NOT EXISTS vidhis (
	id                    TEXT PRIMARY KEY,
	project               TEXT,
	name                  TEXT,
	steps_json            TEXT,
	triggers_json         TEXT,
	parameter_schema_json TEXT,
	learned_from_json     TEXT,
	confidence            REAL,
	success_count         INT,
	failure_count         INT,
	success_rate          REAL,
	created_at            INT,
	updated_at            INT
);
CREATE INDEX IF NOT EXISTS idx_vidhis_project ON vidhis(project);
`

// VidhiRepository persists the vidhis table (§6 schema). JSON columns are
// materialized into strongly-typed VidhiStep/VidhiParam slices at the
// boundary per DESIGN NOTES; a row that fails to decode is logged and
// skipped rather than aborting loadAll.
type VidhiRepository struct {
	db        Store
	log       logger.Logger
	upsert    Statement
	del       Statement
	byProject Statement
	byID      Statement
}

// NewVidhiRepository creates the vidhis table if absent and prepares its
// statements.
func NewVidhiRepository(ctx context.Context, db Store, log logger.Logger) (*VidhiRepository, error) {
	if log == nil {
		log = logger.NoOp{}
	}
	if err := db.Exec(ctx, vidhisSchema); err != nil {
		return nil, fmt.Errorf("vidhis schema: %w", err)
	}

	upsert, err := db.Prepare(ctx, `INSERT OR REPLACE INTO vidhis
		(id, project, name, steps_json, triggers_json, parameter_schema_json, learned_from_json,
		 confidence, success_count, failure_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	del, err := db.Prepare(ctx, `DELETE FROM vidhis WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	byProject, err := db.Prepare(ctx, `SELECT id, project, name, steps_json, triggers_json, parameter_schema_json,
		learned_from_json, confidence, success_count, failure_count, success_rate, created_at, updated_at
		FROM vidhis WHERE project = ?`)
	if err != nil {
		return nil, err
	}
	byID, err := db.Prepare(ctx, `SELECT id, project, name, steps_json, triggers_json, parameter_schema_json,
		learned_from_json, confidence, success_count, failure_count, success_rate, created_at, updated_at
		FROM vidhis WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	return &VidhiRepository{db: db, log: log, upsert: upsert, del: del, byProject: byProject, byID: byID}, nil
}

// Save upserts v.
func (r *VidhiRepository) Save(ctx context.Context, v *types.VidhiRecord) error {
	stepsJSON, err := json.Marshal(v.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	triggersJSON, err := json.Marshal(v.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	paramsJSON, err := json.Marshal(v.ParameterSchema)
	if err != nil {
		return fmt.Errorf("marshal parameter schema: %w", err)
	}
	learnedJSON, err := json.Marshal(v.LearnedFrom)
	if err != nil {
		return fmt.Errorf("marshal learned_from: %w", err)
	}

	_, err = r.upsert.Run(ctx,
		v.ID, v.Project, v.Name, string(stepsJSON), string(triggersJSON), string(paramsJSON), string(learnedJSON),
		v.Confidence, v.SuccessCount, v.FailureCount, v.SuccessRate(),
		v.CreatedAt.Unix(), v.UpdatedAt.Unix(),
	)
	return err
}

// Delete removes a vidhi row (explicit retirement, spec.md §3 lifecycle).
func (r *VidhiRepository) Delete(ctx context.Context, id string) error {
	_, err := r.del.Run(ctx, id)
	return err
}

// LoadByProject returns every persisted vidhi for project.
func (r *VidhiRepository) LoadByProject(ctx context.Context, project string) ([]*types.VidhiRecord, error) {
	rows, err := r.byProject.All(ctx, project)
	if err != nil {
		return nil, err
	}
	return r.decodeRows(rows), nil
}

// LoadByID returns one vidhi, or nil if absent or malformed.
func (r *VidhiRepository) LoadByID(ctx context.Context, id string) (*types.VidhiRecord, error) {
	row, err := r.byID.Get(ctx, id)
	if err != nil {
		if err == ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	v, decodeErr := decodeVidhiRow(row)
	if decodeErr != nil {
		r.log.Warn("skipping malformed vidhi row", map[string]interface{}{"id": id, "error": decodeErr.Error()})
		return nil, nil
	}
	return v, nil
}

func (r *VidhiRepository) decodeRows(rows []Row) []*types.VidhiRecord {
	out := make([]*types.VidhiRecord, 0, len(rows))
	for _, row := range rows {
		v, err := decodeVidhiRow(row)
		if err != nil {
			r.log.Warn("skipping malformed vidhi row", map[string]interface{}{"error": err.Error()})
			continue
		}
		out = append(out, v)
	}
	return out
}

func decodeVidhiRow(row Row) (*types.VidhiRecord, error) {
	id := asString(row["id"])
	if id == "" {
		return nil, fmt.Errorf("missing id")
	}

	var steps []types.VidhiStep
	if err := json.Unmarshal([]byte(asString(row["steps_json"])), &steps); err != nil {
		return nil, fmt.Errorf("decode steps_json: %w", err)
	}
	var triggers []string
	if err := json.Unmarshal([]byte(asString(row["triggers_json"])), &triggers); err != nil {
		return nil, fmt.Errorf("decode triggers_json: %w", err)
	}
	var params map[string]types.VidhiParam
	if err := json.Unmarshal([]byte(asString(row["parameter_schema_json"])), &params); err != nil {
		return nil, fmt.Errorf("decode parameter_schema_json: %w", err)
	}
	var learnedFrom []string
	if err := json.Unmarshal([]byte(asString(row["learned_from_json"])), &learnedFrom); err != nil {
		return nil, fmt.Errorf("decode learned_from_json: %w", err)
	}

	return &types.VidhiRecord{
		TimestampedEntity: types.TimestampedEntity{
			CreatedAt: asUnixTime(row["created_at"]),
			UpdatedAt: asUnixTime(row["updated_at"]),
		},
		ID:              id,
		Project:         asString(row["project"]),
		Name:            asString(row["name"]),
		Steps:           steps,
		Triggers:        triggers,
		ParameterSchema: params,
		LearnedFrom:     learnedFrom,
		Confidence:      asFloat(row["confidence"]),
		SuccessCount:    asInt(row["success_count"]),
		FailureCount:    asInt(row["failure_count"]),
	}, nil
}

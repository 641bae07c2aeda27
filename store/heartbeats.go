package store

import (
	"context"
	"fmt"

	"github.com/sriinnu/chitragupta/logger"
	"github.com/sriinnu/chitragupta/types"
)

const heartbeatsSchema = `
CREATE TABLE IF NOT EXISTS heartbeats (
	agent_id     TEXT PRIMARY KEY,
	parent_id    TEXT,
	depth        INT,
	purpose      TEXT,
	started_at   INT,
	last_beat    INT,
	turn_count   INT,
	token_usage  INT,
	token_budget INT,
	status       TEXT
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_parent_id ON heartbeats(parent_id);
`

// HeartbeatRepository persists Kaala's heartbeat table (§6 schema,
// column names normative). It is the only place Kaala's durability
// concerns touch SQL; Kaala's in-memory map remains the source of truth
// for live sweeps.
type HeartbeatRepository struct {
	db     Store
	log    logger.Logger
	upsert Statement
	del    Statement
	all    Statement
}

// NewHeartbeatRepository creates the heartbeats table if absent and
// prepares its statements.
func NewHeartbeatRepository(ctx context.Context, db Store, log logger.Logger) (*HeartbeatRepository, error) {
	if log == nil {
		log = logger.NoOp{}
	}
	if err := db.Exec(ctx, heartbeatsSchema); err != nil {
		return nil, fmt.Errorf("heartbeats schema: %w", err)
	}

	upsert, err := db.Prepare(ctx, `INSERT OR REPLACE INTO heartbeats
		(agent_id, parent_id, depth, purpose, started_at, last_beat, turn_count, token_usage, token_budget, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	del, err := db.Prepare(ctx, `DELETE FROM heartbeats WHERE agent_id = ?`)
	if err != nil {
		return nil, err
	}
	all, err := db.Prepare(ctx, `SELECT agent_id, parent_id, depth, purpose, started_at, last_beat, turn_count, token_usage, token_budget, status FROM heartbeats`)
	if err != nil {
		return nil, err
	}

	return &HeartbeatRepository{db: db, log: log, upsert: upsert, del: del, all: all}, nil
}

// Save upserts h.
func (r *HeartbeatRepository) Save(ctx context.Context, h *types.Heartbeat) error {
	_, err := r.upsert.Run(ctx,
		string(h.AgentID), string(h.ParentID), h.Depth, h.Purpose,
		h.StartedAt.Unix(), h.LastBeat.Unix(), h.TurnCount, h.TokenUsage, h.TokenBudget, string(h.Status),
	)
	return err
}

// Delete removes a heartbeat row, e.g. once the reaper evicts it.
func (r *HeartbeatRepository) Delete(ctx context.Context, id types.AgentId) error {
	_, err := r.del.Run(ctx, string(id))
	return err
}

// LoadAll returns every persisted heartbeat, skipping malformed rows with
// a logged warning rather than aborting (DESIGN NOTES: JSON-in-SQL
// boundary validates on load).
func (r *HeartbeatRepository) LoadAll(ctx context.Context) ([]*types.Heartbeat, error) {
	rows, err := r.all.All(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Heartbeat, 0, len(rows))
	for _, row := range rows {
		hb, err := decodeHeartbeatRow(row)
		if err != nil {
			r.log.Warn("skipping malformed heartbeat row", map[string]interface{}{"error": err.Error()})
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}

func decodeHeartbeatRow(row Row) (*types.Heartbeat, error) {
	agentID, ok := row["agent_id"].(string)
	if !ok || agentID == "" {
		return nil, fmt.Errorf("missing agent_id")
	}
	return &types.Heartbeat{
		AgentID:     types.AgentId(agentID),
		ParentID:    types.AgentId(asString(row["parent_id"])),
		Depth:       asInt(row["depth"]),
		Purpose:     asString(row["purpose"]),
		StartedAt:   asUnixTime(row["started_at"]),
		LastBeat:    asUnixTime(row["last_beat"]),
		TurnCount:   asInt(row["turn_count"]),
		TokenUsage:  asInt(row["token_usage"]),
		TokenBudget: asInt(row["token_budget"]),
		Status:      types.Status(asString(row["status"])),
	}, nil
}

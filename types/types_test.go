package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusKilled.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusAlive.IsTerminal())
	assert.False(t, StatusStale.IsTerminal())
	assert.False(t, StatusDead.IsTerminal())
	assert.False(t, StatusError.IsTerminal())
}

func TestTimestampedEntity_TouchUpdatesOnlyUpdatedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Hour)

	e := TimestampedEntity{CreatedAt: created, UpdatedAt: created}
	e.Touch(later)

	assert.Equal(t, created, e.CreatedAt)
	assert.Equal(t, later, e.UpdatedAt)
}

func TestHeartbeat_HasParent(t *testing.T) {
	root := &Heartbeat{ParentID: ""}
	child := &Heartbeat{ParentID: "root-1"}

	assert.False(t, root.HasParent())
	assert.True(t, child.HasParent())
}

func TestHeartbeat_CloneIsIndependent(t *testing.T) {
	h := &Heartbeat{AgentID: "a1", Depth: 2, Status: StatusAlive}
	cp := h.Clone()

	cp.Status = StatusStale
	cp.Depth = 99

	assert.Equal(t, StatusAlive, h.Status)
	assert.Equal(t, 2, h.Depth)
	assert.Equal(t, StatusStale, cp.Status)
}

func TestHeartbeat_CloneNilReceiver(t *testing.T) {
	var h *Heartbeat
	assert.Nil(t, h.Clone())
}

func TestVidhiRecord_SuccessRate_BetaOnePriorDefaultsToOneHalf(t *testing.T) {
	v := &VidhiRecord{}
	assert.Equal(t, 0.5, v.SuccessRate())
}

func TestVidhiRecord_SuccessRate_ReflectsOutcomeHistory(t *testing.T) {
	v := &VidhiRecord{SuccessCount: 9, FailureCount: 1}
	// (9+1)/(9+1+2) = 10/12
	assert.InDelta(t, 10.0/12.0, v.SuccessRate(), 1e-9)
}

func TestVidhiRecord_CloneDeepCopiesStepsAndParams(t *testing.T) {
	v := &VidhiRecord{
		ID: "v1",
		Steps: []VidhiStep{
			{Index: 0, ToolName: "read", ArgTemplate: map[string]interface{}{"path": "${param_path}"}},
		},
		Triggers:    []string{"edit config"},
		LearnedFrom: []string{"s1"},
		ParameterSchema: map[string]VidhiParam{
			"param_path": {Name: "param_path", Type: "string", Examples: []interface{}{"/a.txt"}},
		},
	}

	cp := v.Clone()
	cp.Steps[0].ArgTemplate["path"] = "mutated"
	cp.Triggers[0] = "mutated"
	cp.LearnedFrom[0] = "mutated"
	cp.ParameterSchema["param_path"] = VidhiParam{Name: "mutated"}
	param := cp.ParameterSchema["param_path"]
	_ = param

	assert.Equal(t, "${param_path}", v.Steps[0].ArgTemplate["path"])
	assert.Equal(t, "edit config", v.Triggers[0])
	assert.Equal(t, "s1", v.LearnedFrom[0])
	assert.Equal(t, "param_path", v.ParameterSchema["param_path"].Name)
}

func TestVidhiRecord_CloneExamplesSliceIsIndependent(t *testing.T) {
	v := &VidhiRecord{
		ParameterSchema: map[string]VidhiParam{
			"p": {Name: "p", Examples: []interface{}{"a", "b"}},
		},
	}
	cp := v.Clone()
	cp.ParameterSchema["p"].Examples[0] = "mutated"

	assert.Equal(t, "a", v.ParameterSchema["p"].Examples[0])
}

func TestVidhiRecord_CloneNilReceiver(t *testing.T) {
	var v *VidhiRecord
	assert.Nil(t, v.Clone())
}

package checkpoint

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() []PhasePlan {
	return []PhasePlan{
		{Name: "discovery", Agents: []string{"tech_stack"}, Required: []string{"tech_stack"}},
		{Name: "analysis", Agents: []string{"performance_audit", "mobile_audit"}, Required: []string{"performance_audit"}, AskUser: true},
		{Name: "estimation", Agents: []string{"cost_estimate", "roi_projection"}, Required: []string{"cost_estimate"}},
	}
}

// TestEncodeDecode_RoundTrip 测试编解码往返
func TestEncodeDecode_RoundTrip(t *testing.T) {
	cp := &Checkpoint{
		Phase: "analysis",
		Plan:  samplePlan(),
		PendingQuestion: &PendingQuestion{
			ID: "q-1", Phase: "analysis", Kind: "question", Prompt: "budget?",
			Options: []string{"under_10k", "10k_50k"},
		},
	}
	cp.RecordResult("discovery", "tech_stack", AgentResult{Confidence: 85})

	blob, err := Encode(cp)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cp.SchemaVersion, "Encode should stamp the current version")

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "analysis", got.Phase)
	assert.Equal(t, 3, len(got.Plan))
	assert.Equal(t, 5, got.TotalAgents())
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "q-1", got.PendingQuestion.ID)
	assert.Equal(t, 85, got.PhaseResults["discovery"]["tech_stack"].Confidence)
}

// TestDecode_Empty 测试空输入：没有快照不是错误
func TestDecode_Empty(t *testing.T) {
	got, err := Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = Decode([]byte{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestDecode_Corrupt 测试损坏输入：必须返回 DecodeError 而非崩溃
func TestDecode_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"非法 JSON", `{"phase": "discov`},
		{"空计划", `{"schema_version": 2, "phase": "discovery", "plan": []}`},
		{"阶段不在计划内", `{"schema_version": 2, "phase": "ghost", "plan": [{"name": "discovery", "agents": ["a"]}]}`},
		{"未来版本", `{"schema_version": 99, "phase": "discovery", "plan": [{"name": "discovery", "agents": ["a"]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.blob))
			require.Error(t, err)
			var de *DecodeError
			assert.True(t, errors.As(err, &de), "error should be a *DecodeError")
		})
	}
}

// TestDecode_UnknownFields 测试前向兼容：未知顶层字段被忽略
func TestDecode_UnknownFields(t *testing.T) {
	blob := []byte(`{
		"schema_version": 2,
		"phase": "discovery",
		"plan": [{"name": "discovery", "agents": ["tech_stack"]}],
		"some_future_field": {"nested": true}
	}`)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "discovery", got.Phase)
}

// TestDecode_V1Migration 测试后向兼容：v1 快照升级到当前版本
func TestDecode_V1Migration(t *testing.T) {
	// v1：无 schema_version、无 required、无 kind
	blob := []byte(`{
		"scan_id": "scan-old",
		"phase": "analysis",
		"plan": [
			{"name": "discovery", "agents": ["tech_stack"]},
			{"name": "analysis", "agents": ["performance_audit", "mobile_audit"]}
		],
		"pending_question": {"id": "q-old", "phase": "analysis", "prompt": "budget?"}
	}`)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)

	// v1 的所有 Agent 都视为必需
	assert.Equal(t, []string{"tech_stack"}, got.Plan[0].Required)
	assert.Equal(t, []string{"performance_audit", "mobile_audit"}, got.Plan[1].Required)

	// v1 的问题默认类别为 question
	require.NotNil(t, got.PendingQuestion)
	assert.Equal(t, "question", got.PendingQuestion.Kind)
}

// TestRecordAnswer 测试回答记录与暂停清除
func TestRecordAnswer(t *testing.T) {
	cp := &Checkpoint{
		Phase: "analysis",
		Plan:  samplePlan(),
		PendingQuestion: &PendingQuestion{
			ID: "q-1", Phase: "analysis", Kind: "question",
		},
	}

	assert.False(t, cp.Answered("analysis"))
	cp.RecordAnswer("analysis", "10k_50k")
	assert.True(t, cp.Answered("analysis"))
	assert.Nil(t, cp.PendingQuestion)
	assert.False(t, cp.Answered("estimation"))

	// 回答要在编解码往返后仍然存在：恢复后不得重新暂停
	blob, err := Encode(cp)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, got.Answered("analysis"))
}

// TestPhaseNavigation 测试阶段导航辅助方法
func TestPhaseNavigation(t *testing.T) {
	cp := &Checkpoint{Phase: "analysis", Plan: samplePlan()}

	assert.Equal(t, 1, cp.PhaseIndex("analysis"))
	assert.Equal(t, -1, cp.PhaseIndex("ghost"))

	cur := cp.CurrentPhase()
	require.NotNil(t, cur)
	assert.Equal(t, "analysis", cur.Name)

	next := cp.NextPhase()
	require.NotNil(t, next)
	assert.Equal(t, "estimation", next.Name)

	cp.Phase = "estimation"
	assert.Nil(t, cp.NextPhase(), "last phase has no successor")
}

// TestEncode_StampsVersion 测试未设版本的快照编码后写入当前版本
func TestEncode_StampsVersion(t *testing.T) {
	cp := &Checkpoint{Phase: "discovery", Plan: samplePlan()[:1]}

	blob, err := Encode(cp)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.JSONEq(t, "2", string(raw["schema_version"]))
}

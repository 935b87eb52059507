package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func toolSet(names ...string) []ToolDescriptor {
	tools := make([]ToolDescriptor, len(names))
	for i, n := range names {
		tools[i] = ToolDescriptor{Name: n}
	}
	return tools
}

func TestRulesClient_SetSpeed(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "please set speed to 42.5"}}, toolSet("SetSpeed"), "")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "SetSpeed", resp.ToolCalls[0].Name)
	require.InDelta(t, 42.5, resp.ToolCalls[0].Arguments["speed"], 0.001)
	require.Equal(t, false, resp.ToolCalls[0].Arguments["simulate"])
}

func TestRulesClient_SimulateKeywordSetsFlag(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "simulate starting the pump"}}, toolSet("StartPump"), "")
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, true, resp.ToolCalls[0].Arguments["simulate"])
}

func TestRulesClient_SimulateFalseOverridesKeyword(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "simulate=false start the pump"}}, toolSet("StartPump"), "")
	require.NoError(t, err)
	require.Equal(t, false, resp.ToolCalls[0].Arguments["simulate"])
}

func TestRulesClient_EmergencyStop(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "EMERGENCY STOP NOW"}}, toolSet("EmergencyStop"), "")
	require.NoError(t, err)
	require.Equal(t, "EmergencyStop", resp.ToolCalls[0].Name)
}

func TestRulesClient_NoMatchListsAvailableTools(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "tell me a joke"}}, toolSet("GetStatus", "SetSpeed"), "")
	require.NoError(t, err)
	require.Empty(t, resp.ToolCalls)
	require.Contains(t, resp.Content, "GetStatus")
	require.Contains(t, resp.Content, "SetSpeed")
}

func TestRulesClient_SkipsUnavailableTool(t *testing.T) {
	c := NewRules()
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "set speed to 10"}}, toolSet("StartPump"), "")
	require.NoError(t, err)
	require.Empty(t, resp.ToolCalls)
}

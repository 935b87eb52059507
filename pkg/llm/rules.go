package llm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// rulePattern is one deterministic text->tool mapping the rules planner
// tries in order.
type rulePattern struct {
	re      *regexp.Regexp
	tool    string
	extract func(m []string) map[string]interface{}
}

var rulePatterns = []rulePattern{
	{
		re:   regexp.MustCompile(`(?i)set\s+speed\s+to\s+(-?\d+(?:\.\d+)?)`),
		tool: "SetSpeed",
		extract: func(m []string) map[string]interface{} {
			v, _ := strconv.ParseFloat(m[1], 64)
			return map[string]interface{}{"speed": v}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)start(?:ing)?\s+(?:the\s+)?pump`),
		tool: "StartPump",
		extract: func(m []string) map[string]interface{} {
			return map[string]interface{}{}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)stop\s+(?:the\s+)?pump`),
		tool: "StopPump",
		extract: func(m []string) map[string]interface{} {
			return map[string]interface{}{}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)set\s+temp(?:erature)?\s+to\s+(-?\d+(?:\.\d+)?)`),
		tool: "SetTemperature",
		extract: func(m []string) map[string]interface{} {
			v, _ := strconv.ParseFloat(m[1], 64)
			return map[string]interface{}{"temperature": v}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)(?:get|show|check)\s+status`),
		tool: "GetStatus",
		extract: func(m []string) map[string]interface{} {
			return map[string]interface{}{}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)(?:read|get|show)\s+temp(?:erature)?`),
		tool: "ReadTemperature",
		extract: func(m []string) map[string]interface{} {
			return map[string]interface{}{}
		},
	},
	{
		re:   regexp.MustCompile(`(?i)emergency\s+stop`),
		tool: "EmergencyStop",
		extract: func(m []string) map[string]interface{} {
			return map[string]interface{}{}
		},
	},
}

var simulateWord = regexp.MustCompile(`(?i)simulate`)
var simulateFalse = regexp.MustCompile(`(?i)simulate\s*=\s*false`)

// RulesClient is a deterministic, dependency-free fallback planner: it
// pattern-matches the last user message against a fixed regex table and
// emits a single tool call, never touching the network. Used when no
// model provider is configured and as the resilient wrapper's ultimate
// fallback.
type RulesClient struct{}

// NewRules builds a RulesClient.
func NewRules() *RulesClient { return &RulesClient{} }

// Close is a no-op; RulesClient holds no resources.
func (c *RulesClient) Close() error { return nil }

// Chat matches the last user message against the rule table in order
// and returns the first match whose tool name is offered in tools. If
// nothing matches, it returns a plain-text response listing the tools
// that are available, so the caller always gets an actionable reply.
func (c *RulesClient) Chat(_ context.Context, messages []Message, tools []ToolDescriptor, _ string) (Response, error) {
	lastUser := lastUserMessage(messages)
	lower := strings.ToLower(lastUser)

	available := make(map[string]bool, len(tools))
	for _, t := range tools {
		available[t.Name] = true
	}

	simulate := simulateWord.MatchString(lower) && !simulateFalse.MatchString(lower)

	for _, p := range rulePatterns {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if !available[p.tool] {
			continue
		}
		args := p.extract(m)
		args["simulate"] = simulate
		args["safety_reasoning"] = "Requested via rules-based natural language planner."
		return Response{
			ToolCalls: []ToolCall{{
				ID:        "call_" + randomHex(4),
				Name:      p.tool,
				Arguments: args,
			}},
			FinishReason: "tool_calls",
		}, nil
	}

	return Response{Content: noMatchMessage(tools), FinishReason: "stop"}, nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func noMatchMessage(tools []ToolDescriptor) string {
	if len(tools) == 0 {
		return "I couldn't understand that request, and no tools are currently available."
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return "I couldn't understand that request. Available tools: " + strings.Join(names, ", ")
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

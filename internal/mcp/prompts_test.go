package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptReq(args map[string]string) mcplib.GetPromptRequest {
	var req mcplib.GetPromptRequest
	req.Params.Arguments = args
	return req
}

func TestDebugRunPrompt(t *testing.T) {
	s := &Server{}
	res, err := s.handleDebugRunPrompt(context.Background(), promptReq(map[string]string{"run_id": "r-1"}))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, res.Messages[0].Role)
	text := res.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, `hibiki_get_run with run_id="r-1"`)

	_, err = s.handleDebugRunPrompt(context.Background(), promptReq(nil))
	assert.Error(t, err)
}

func TestRuleHealthPrompt(t *testing.T) {
	s := &Server{}
	res, err := s.handleRuleHealthPrompt(context.Background(), promptReq(map[string]string{"rule_id": "abc"}))
	require.NoError(t, err)
	assert.Equal(t, "Review rule abc", res.Description)
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, `rule_id="abc"`)

	_, err = s.handleRuleHealthPrompt(context.Background(), promptReq(map[string]string{}))
	assert.Error(t, err)
}

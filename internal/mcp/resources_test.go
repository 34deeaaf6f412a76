package mcp

import (
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hibiki/internal/model"
)

func readReq(uri string) mcplib.ReadResourceRequest {
	var req mcplib.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func TestFailedRunsResource(t *testing.T) {
	e := newEnv(t)
	rule := e.rule(model.TriggerManual, "")
	e.run(rule.ID, model.RunStatusCompleted, "")
	failed := e.run(rule.ID, model.RunStatusFailed, "boom")

	contents, err := e.srv.handleFailedRuns(e.ctx, readReq(uriFailedRuns))
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, uriFailedRuns, text.URI)
	assert.Contains(t, text.Text, failed.ID.String())
	assert.Contains(t, text.Text, "1 run: 1 failed")

	contents, err = e.srv.handleRecentRuns(e.ctx, readReq(uriRecentRuns))
	require.NoError(t, err)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, "2 runs")
}

func TestRunResource(t *testing.T) {
	e := newEnv(t)
	run := e.run(e.rule(model.TriggerManual, "").ID, model.RunStatusCompleted, "")
	uri := uriRunPrefix + run.ID.String()

	contents, err := e.srv.handleRun(e.ctx, readReq(uri))
	require.NoError(t, err)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, `"status": "completed"`)

	_, err = e.srv.handleRun(e.as(uuid.New()), readReq(uri))
	assert.Error(t, err, "other tenant")

	_, err = e.srv.handleRun(e.ctx, readReq(uriRunPrefix+"not-a-uuid"))
	assert.Error(t, err)
}

func TestResourcesRequireTenant(t *testing.T) {
	e := newEnv(t)
	_, err := e.srv.handleRecentRuns(t.Context(), readReq(uriRecentRuns))
	assert.Error(t, err)
}

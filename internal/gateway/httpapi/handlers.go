package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/service"
)

// SessionRequest is the optional JSON body for POST /api/sessions.
type SessionRequest struct {
	Owner string `json:"owner,omitempty"`
}

// DeleteResponse confirms a session deletion.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// FilesResponse lists a session's attached files.
type FilesResponse struct {
	Files []service.FileVersions `json:"files"`
}

// HistoryResponse lists a session's operation log.
type HistoryResponse struct {
	Operations []domain.OperationRecord `json:"operations"`
}

// AnalyzeRequest is the JSON body for POST /api/analyze.
type AnalyzeRequest struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Prompt    string `json:"prompt"`
}

// ExecuteRequest is the JSON body for POST /api/execute and
// /api/execute/preview. An empty script falls back to the file's last
// recorded one.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	FileID    string `json:"file_id"`
	Script    string `json:"script,omitempty"`
}

// RevertRequest is the JSON body for POST /api/files/{file_id}/revert.
type RevertRequest struct {
	SessionID string `json:"session_id"`
}

// RevertResponse confirms a revert.
type RevertResponse struct {
	Reverted bool `json:"reverted"`
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	var req SessionRequest
	_ = c.Bind(&req) // Body is optional.
	sess := g.svc.Sessions().Create(req.Owner)
	return c.JSON(http.StatusCreated, sess)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	sess, err := g.svc.Sessions().Get(c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(sess)
}

func (g *Gateway) handleSessionDelete(c *okapi.Context) error {
	if err := g.svc.DeleteSession(c.Param("id")); err != nil {
		return g.fail(c, err)
	}
	return c.OK(DeleteResponse{Deleted: true})
}

func (g *Gateway) handleSessionFiles(c *okapi.Context) error {
	files, err := g.svc.ListFiles(c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(FilesResponse{Files: files})
}

func (g *Gateway) handleSessionHistory(c *okapi.Context) error {
	sess, err := g.svc.Sessions().Get(c.Param("id"))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(HistoryResponse{Operations: sess.Operations})
}

func (g *Gateway) handleAnalyze(c *okapi.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" || req.FileID == "" || req.Prompt == "" {
		return c.AbortBadRequest("session_id, file_id, and prompt are required")
	}
	if g.limiter != nil {
		if err := g.limiter.Allow(req.SessionID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	res, err := g.svc.Analyze(c.Context(), req.SessionID, req.FileID, req.Prompt)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(res)
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	return g.execute(c, true)
}

func (g *Gateway) handlePreview(c *okapi.Context) error {
	return g.execute(c, false)
}

func (g *Gateway) execute(c *okapi.Context, persist bool) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" || req.FileID == "" {
		return c.AbortBadRequest("session_id and file_id are required")
	}
	if g.limiter != nil {
		if err := g.limiter.Allow(req.SessionID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	outcome, err := g.svc.Execute(c.Context(), req.SessionID, req.FileID, req.Script, persist)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(outcome)
}

func (g *Gateway) handleRevert(c *okapi.Context) error {
	var req RevertRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SessionID == "" {
		return c.AbortBadRequest("session_id is required")
	}
	if err := g.svc.Revert(c.Context(), req.SessionID, c.Param("file_id")); err != nil {
		return g.fail(c, err)
	}
	return c.OK(RevertResponse{Reverted: true})
}

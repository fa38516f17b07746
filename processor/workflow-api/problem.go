package workflowapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	workflowengine "github.com/c360studio/simflow/processor/workflow-engine"
	"github.com/c360studio/simflow/workflow"
)

// ProblemContentType is the media type of error bodies (RFC 7807).
const ProblemContentType = "application/problem+json"

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

const problemBase = "https://simflow.dev/problems/"

// problemFor maps an error to its problem body. Order matters: a checkpoint
// that is not pending also wraps not-found.
func problemFor(err error) Problem {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return Problem{
			Type:   "about:blank",
			Title:  http.StatusText(he.Code),
			Status: he.Code,
			Detail: fmt.Sprint(he.Message),
		}
	case errors.Is(err, workflow.ErrCheckpointNotPending):
		return problem(http.StatusConflict, "checkpoint-not-pending", "Checkpoint not pending", err)
	case errors.Is(err, workflow.ErrWorkflowTerminal):
		return problem(http.StatusConflict, "workflow-terminal", "Workflow is terminal", err)
	case errors.Is(err, workflow.ErrVersionConflict):
		return problem(http.StatusConflict, "version-conflict", "Concurrent update", err)
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		return problem(http.StatusNotFound, "workflow-not-found", "Workflow not found", err)
	case errors.Is(err, workflow.ErrCheckpointNotFound):
		return problem(http.StatusNotFound, "checkpoint-not-found", "Checkpoint not found", err)
	case errors.Is(err, workflow.ErrInvalidTemplate):
		return problem(http.StatusUnprocessableEntity, "invalid-template", "Invalid pipeline template", err)
	case errors.Is(err, workflow.ErrUnknownAgent):
		return problem(http.StatusUnprocessableEntity, "unknown-agent", "No agent bound to stage", err)
	case errors.Is(err, workflowengine.ErrInvalidRequest):
		return problem(http.StatusBadRequest, "invalid-request", "Invalid request", err)
	case workflow.IsPersistenceError(err):
		return Problem{
			Type:   problemBase + "persistence",
			Title:  "Storage unavailable",
			Status: http.StatusServiceUnavailable,
			Detail: "workflow store is unavailable, retry later",
		}
	default:
		return Problem{
			Type:   "about:blank",
			Title:  http.StatusText(http.StatusInternalServerError),
			Status: http.StatusInternalServerError,
		}
	}
}

func problem(status int, slug, title string, err error) Problem {
	return Problem{
		Type:   problemBase + slug,
		Title:  title,
		Status: status,
		Detail: err.Error(),
	}
}

// handleError is the echo error handler. Every error leaves as a problem
// body; internal error text is logged, never returned.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	p := problemFor(err)
	p.Instance = c.Request().URL.Path

	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", c.Request().Method,
			"path", p.Instance,
			"status", p.Status,
			"error", err)
	}

	body, mErr := json.Marshal(p)
	if mErr != nil {
		s.logger.Error("Failed to encode problem", "error", mErr)
		return
	}
	c.Response().Header().Set(echo.HeaderContentType, ProblemContentType)
	c.Response().WriteHeader(p.Status)
	if c.Request().Method == http.MethodHead {
		return
	}
	if _, wErr := c.Response().Write(body); wErr != nil {
		s.logger.Debug("Failed to write problem", "error", wErr)
	}
}

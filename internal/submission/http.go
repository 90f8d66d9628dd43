package submission

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	stackerrors "stackrunner/internal/errors"
	"stackrunner/internal/requestqueue"
)

// NewRouter wires every C9 operation onto a gin.Engine: submit, status,
// result, list-tasks, cancel, list-pending. CORS is permissive by default
// since stackrunctl and arbitrary external callers both hit this surface.
func NewRouter(svc *Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:    []string{"Content-Type"},
	}))

	r.POST("/v1/requests", handleSubmit(svc))
	r.GET("/v1/requests/:request_id", handleStatus(svc))
	r.GET("/v1/requests/:request_id/result", handleResult(svc))
	r.GET("/v1/tasks", handleListTasks(svc))
	r.GET("/v1/pending", handleListPending(svc))
	r.DELETE("/v1/requests/:request_id", handleCancel(svc))
	return r
}

type submitRequestBody struct {
	RequestID  string          `json:"request_id"`
	TaskID     string          `json:"task_id"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
	Requester  string          `json:"requester"`
	DependsOn  []string        `json:"depends_on"`
}

func handleSubmit(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body submitRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req, outcome, err := svc.Submit(c.Request.Context(), SubmitInput{
			RequestID: body.RequestID, TaskID: body.TaskID, Parameters: body.Parameters,
			Priority: body.Priority, Requester: body.Requester, DependsOn: body.DependsOn,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		httpStatus := http.StatusCreated
		if outcome == requestqueue.OutcomeExisting {
			httpStatus = http.StatusOK
		}
		c.JSON(httpStatus, gin.H{
			"request_id": req.RequestID,
			"status":     req.Status,
			"is_new":     outcome == requestqueue.OutcomeCreated,
		})
	}
}

func handleStatus(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := svc.Status(c.Request.Context(), c.Param("request_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func handleResult(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := svc.Result(c.Request.Context(), c.Param("request_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleListTasks(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		enabledOnly := true
		if raw := c.Query("enabled_only"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "enabled_only must be a bool"})
				return
			}
			enabledOnly = parsed
		}
		defs := svc.ListTasks(c.Query("filter"), enabledOnly)
		c.JSON(http.StatusOK, defs)
	}
}

func handleListPending(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs, err := svc.ListPending(c.Request.Context(), c.Query("requester"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, reqs)
	}
}

func handleCancel(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Cancel(c.Request.Context(), c.Param("request_id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// writeError maps the error taxonomy onto HTTP status: validation/catalog/
// cycle errors are client errors (422), backend-unavailable is a 503 a
// retrying client should back off on, everything else is a 500.
func writeError(c *gin.Context, err error) {
	kind, _ := stackerrors.KindOf(err)
	switch {
	case stackerrors.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "kind": kind})
	case kind == stackerrors.KindValidation || kind == stackerrors.KindCatalogMissing || kind == stackerrors.KindDependencyCycle:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "kind": kind})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "kind": kind})
	}
}

package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/data/repos"
	"github.com/noetl/noetl/internal/queue"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps the service-layer sentinel errors onto the API's
// status/code pairs so handlers don't repeat the taxonomy.
func RespondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repos.ErrPlaybookNotFound):
		RespondError(c, http.StatusNotFound, "playbook_not_found", err)
	case errors.Is(err, repos.ErrExecutionNotFound):
		RespondError(c, http.StatusNotFound, "execution_not_found", err)
	case errors.Is(err, repos.ErrJobNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, repos.ErrVarNotFound):
		RespondError(c, http.StatusNotFound, "var_not_found", err)
	case errors.Is(err, repos.ErrCredentialNotFound):
		RespondError(c, http.StatusNotFound, "credential_not_found", err)
	case errors.Is(err, queue.ErrLeaseConflict):
		RespondError(c, http.StatusConflict, "lease_conflict", err)
	case errors.Is(err, repos.ErrStorageUnavailable):
		RespondError(c, http.StatusServiceUnavailable, "storage_unavailable", err)
	default:
		RespondError(c, http.StatusBadRequest, "bad_request", err)
	}
}

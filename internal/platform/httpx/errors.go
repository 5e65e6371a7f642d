package httpx

import (
	"errors"
	"net/http"

	"github.com/nimbus-cloud/nimbus-console/internal/session"
)

// ErrValidation marks request payloads that fail field validation; wrap it
// with the offending fields so RespondError can surface them.
var ErrValidation = errors.New("validation failed")

// RespondError maps session and gateway errors to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Invalid Credentials", "email or password is incorrect")
	case errors.Is(err, session.ErrServerUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Auth Server Unavailable", "the authentication server is unreachable")
	case errors.Is(err, session.ErrInvalidToken):
		Problem(w, http.StatusUnauthorized, "Invalid Token", "the stored token is no longer valid")
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

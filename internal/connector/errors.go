package connector

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is returned by the gateway for any response other than
// 200 OK.  The body is kept for diagnostics only.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP error code %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP error code %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound reports whether err carries a 404 from the connector.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, codes ...int) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	for _, code := range codes {
		if statusErr.StatusCode == code {
			return true
		}
	}
	return false
}

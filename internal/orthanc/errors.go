package orthanc

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is matched by responses with status 404.
	ErrNotFound = errors.New("resource not found")

	// ErrUnreachable is matched by transport failures and by authentication
	// rejections (401/403): the archive cannot be used either way.
	ErrUnreachable = errors.New("archive unreachable")
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Is lets callers test an APIError against ErrNotFound and ErrUnreachable.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnreachable:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

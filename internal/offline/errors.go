package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrOffline is returned when an operation is short-circuited because the
// monitor reports no connectivity.
var ErrOffline = errors.New("offline: no network connection")

// CSRFHeader carries the page's CSRF token on mutating requests.
const CSRFHeader = "X-CSRF-TOKEN"

// HTTPError is a non-2xx answer from the application server.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// ClientError reports whether the server rejected the request as invalid.
func (e *HTTPError) ClientError() bool { return e.Status >= 400 && e.Status < 500 }

// NewHTTPError builds an HTTPError from resp, preferring the "error" field of
// a JSON body. The body is consumed.
func NewHTTPError(resp *http.Response) *HTTPError {
	e := &HTTPError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &body) == nil {
			e.Message = body.Error
			if e.Message == "" {
				e.Message = body.Message
			}
		}
	}
	return e
}

// IsMutating reports whether method changes server state and therefore needs
// a CSRF token.
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

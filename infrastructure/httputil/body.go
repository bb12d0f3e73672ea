package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies; large payloads here always mean a bug.
const MaxBodyBytes int64 = 1 << 20

// BodyTooLargeError is returned when a request body exceeds the limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("body exceeds limit of %d bytes", e.Limit)
}

// ReadAllStrict reads the full body from r up to limit bytes.
// If the body exceeds limit, it returns a *BodyTooLargeError.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	limited := io.LimitReader(r, limit+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return b, nil
}

// DecodeJSON decodes a JSON request body into v, writing a 400 envelope and
// returning false when the body is missing, oversized, or malformed.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		BadRequest(w, "request body required")
		return false
	}
	body, err := ReadAllStrict(r.Body, MaxBodyBytes)
	if err != nil {
		BadRequest(w, err.Error())
		return false
	}
	if len(body) == 0 {
		BadRequest(w, "request body required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		BadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

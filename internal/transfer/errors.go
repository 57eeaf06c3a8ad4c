package transfer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized covers 401 and 404 answers: the request or ticket is
	// structurally wrong and retrying will not help.
	ErrUnauthorized = errors.New("transfer: request rejected by relay")
	// ErrForbidden means the relay refuses to move a hash.
	ErrForbidden = errors.New("transfer: forbidden by relay policy")
)

// StatusError is a non-2xx relay answer.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.Code, http.StatusText(e.Code), e.Body)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 and 404 answers.
func (e *StatusError) Is(target error) bool {
	if target == ErrUnauthorized {
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusNotFound
	}
	return false
}

// CheckStatus returns a *StatusError for non-2xx responses, consuming and
// closing the body in that case.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{
		Code: resp.StatusCode,
		Body: strings.TrimSpace(string(body)),
	}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		se.URL = resp.Request.URL.String()
	}
	return se
}

package storage

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrTooLarge = errors.New("object exceeds size limit")

type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: storage returned %d", e.URL, e.StatusCode)
}

// NotFound reports whether the object is missing rather than temporarily unreachable.
func (e *FetchError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

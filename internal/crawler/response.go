package crawler

import (
	"fmt"
	"net/http"
	"strings"
)

// CheckResponse accepts only 200 responses with an HTML content type.
func CheckResponse(resp FetchResponse) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if !strings.Contains(strings.ToLower(resp.ContentType()), "text/html") {
		return fmt.Errorf("%w: %q", ErrNotHTML, resp.ContentType())
	}
	return nil
}

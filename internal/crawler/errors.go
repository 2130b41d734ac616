package crawler

import "errors"

var (
	// ErrStoreUnavailable is returned when the coordination store cannot be reached at startup.
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	// ErrUnexpectedStatus marks a fetch that returned a non-200 status.
	ErrUnexpectedStatus = errors.New("unexpected status code")
	// ErrNotHTML marks a fetch whose content type is not HTML.
	ErrNotHTML = errors.New("response is not html")
	// ErrRobotsDisallowed marks a URL excluded by robots.txt. It is not counted as an error.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	// ErrMalformedJob marks a queue entry that could not be decoded. The entry is dropped.
	ErrMalformedJob = errors.New("malformed crawl job")
	// ErrLimitReached signals the global unique page cap has been hit.
	ErrLimitReached = errors.New("global page limit reached")
)

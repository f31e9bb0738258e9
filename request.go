package idem

import (
	"fmt"
	"net/http"
	"strings"
)

// Request is the inbound request descriptor handed to the engine by the host.
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewRequest builds a Request from an *http.Request.
func NewRequest(r *http.Request) *Request {
	return &Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header,
	}
}

// Validate returns ErrMalformedRequest if method, url or headers are missing.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrMalformedRequest)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: missing method", ErrMalformedRequest)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: missing url", ErrMalformedRequest)
	}
	if r.Header == nil {
		return fmt.Errorf("%w: missing headers", ErrMalformedRequest)
	}
	return nil
}

// HeaderValue returns the first value of the named header, matched case-insensitively.
// Hosts that fill the header map without canonicalizing keys are handled as well.
func (r *Request) HeaderValue(name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	for k, vs := range r.Header {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// ResponseSink is the host's outgoing response.
type ResponseSink interface {
	// SetStatus sets the response status code.
	SetStatus(code int)

	// WriteBody writes the response body.
	WriteBody(body []byte) error
}

// Continuation resumes the host's own handler chain.
type Continuation func()

// Hook is a registered callback for the pre-processor and post-processor-failed slots.
// The hook decides whether and when to call next.
type Hook func(req *Request, res ResponseSink, next Continuation)

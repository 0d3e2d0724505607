// Package request defines the Request and Response types that flow
// between the scheduler, the request manager, and user callbacks. The
// shape follows aioscraper's types/session.py (url/method/params/body
// variants/headers/callback/errback/cb_kwargs/priority) adapted to Go's
// static typing: the body is a tagged union instead of three optional
// fields checked at call time, and engine-internal bookkeeping lives in
// an explicit Annotations struct rather than a free-form dict.
package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scraperctl/scraperctl/scrapererr"
)

// Callback is invoked with a successful Response. Its parameters are
// resolved through the dependency resolver (package deps): engine
// values by parameter type, named dependencies through a `dep`-tagged
// struct parameter, so handlers only need to declare the parameters
// they actually use.
type Callback any

// Errback is invoked with a failure outcome (an HTTPError, a
// TransportError, or a propagated user error). Resolved the same way
// as Callback.
type Errback any

// Params is an ordered query-parameter mapping; each value is a string
// or is formatted with %v (numbers included). Repeated query keys are
// built by calling Add once per value; a slice passed to Set or Add is
// formatted as one value and is not expanded into repeated keys.
type Params struct {
	keys   []string
	values map[string][]string
}

// NewParams builds an empty, ordered Params set.
func NewParams() *Params {
	return &Params{values: make(map[string][]string)}
}

// Set stores a single value for key, preserving first-seen key order.
func (p *Params) Set(key string, value any) *Params {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = []string{formatParamValue(value)}
	return p
}

// Add appends an additional value for key (repeated query parameter).
func (p *Params) Add(key string, value any) *Params {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = append(p.values[key], formatParamValue(value))
	return p
}

// Encode renders the params as a query string, preserving registration
// order of keys (and of repeated values within a key).
func (p *Params) Encode() string {
	if p == nil {
		return ""
	}
	var buf strings.Builder
	first := true
	for _, k := range p.keys {
		for _, v := range p.values[k] {
			if !first {
				buf.WriteByte('&')
			}
			first = false
			buf.WriteString(url.QueryEscape(k))
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(v))
		}
	}
	return buf.String()
}

func formatParamValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Body is a tagged union of the three mutually-exclusive body kinds a
// Request may carry, mirroring aioscraper's data/json_data/files
// mutual-exclusion check in core/request_manager.py.
type Body struct {
	Bytes []byte
	JSON  any
	Form  *FormBody
}

// FormBody captures multipart/urlencoded form submission fields.
type FormBody struct {
	Fields url.Values
	Files  []FormFile
}

// FormFile describes one multipart file field.
type FormFile struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
}

// kindsSet reports how many of Bytes/JSON/Form are set.
func (b Body) kindsSet() int {
	n := 0
	if b.Bytes != nil {
		n++
	}
	if b.JSON != nil {
		n++
	}
	if b.Form != nil {
		n++
	}
	return n
}

// Annotations holds engine-internal bookkeeping that middlewares and
// the retry subsystem mutate; the Request's user-visible fields are
// otherwise immutable from the scheduler's viewpoint.
type Annotations struct {
	// ID is a UUIDv7 assigned at creation, used for log correlation.
	ID string
	// Attempt is the retry subsystem's attempt counter, starting at 0.
	Attempt int
	// RateLimitGroup overrides the rate limiter's default grouping
	// function for this Request when non-empty.
	RateLimitGroup string
	// RateLimitInterval overrides the group's base interval for this
	// dispatch only; per spec.md §9 Open Question 1, adaptive updates
	// still land on the group regardless of this override.
	RateLimitInterval time.Duration
}

// Request is the unit of outbound work submitted to the scheduler.
type Request struct {
	URL     string
	Method  string
	Params  *Params
	Body    Body
	Headers http.Header

	Proxy      string
	TLSVerify  *bool // nil means "use session default"
	NotBefore  time.Time
	Priority   int
	Callback   Callback
	Errback    Errback
	CBKwargs   map[string]any
	RaiseForStatus bool

	Annotations Annotations
}

// New builds a Request for method and target with sane defaults: raise-for-status on,
// a fresh UUIDv7 identity, and an empty header set.
func New(method, target string) *Request {
	id, err := uuid.NewV7()
	idStr := ""
	if err == nil {
		idStr = id.String()
	}
	return &Request{
		URL:            target,
		Method:         method,
		Headers:        make(http.Header),
		RaiseForStatus: true,
		CBKwargs:       make(map[string]any),
		Annotations:    Annotations{ID: idStr},
	}
}

// Validate enforces the body mutual-exclusion invariant carried over
// from aioscraper's InvalidRequestData check.
func (r *Request) Validate() error {
	if r.Body.kindsSet() > 1 {
		return &scrapererr.InvalidRequestData{Reason: "at most one of Bytes/JSON/Form may be set"}
	}
	return nil
}

// Clone returns a shallow copy suitable for re-submission by the retry
// middleware: same user intent, independent Annotations so the
// attempt counter can be incremented without mutating the original.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Annotations = r.Annotations
	hdr := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		hdr[k] = append([]string(nil), v...)
	}
	clone.Headers = hdr
	return &clone
}

// Response is the result of a successful network exchange. It is only
// valid for the duration of the callback/errback invocation that
// receives it.
type Response struct {
	Request    *Request
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Duration   time.Duration

	bodyFn func() ([]byte, error)
	read   bool
	cached []byte
}

// NewResponse builds a Response whose body is produced lazily by
// bodyFn, called at most once regardless of how many of Bytes/Text/JSON
// are invoked.
func NewResponse(req *Request, finalURL string, status int, hdr http.Header, dur time.Duration, bodyFn func() ([]byte, error)) *Response {
	return &Response{
		Request:    req,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    hdr,
		Duration:   dur,
		bodyFn:     bodyFn,
	}
}

// Bytes returns the raw response body, reading it from the underlying
// source exactly once.
func (r *Response) Bytes() ([]byte, error) {
	if r.read {
		return r.cached, nil
	}
	b, err := r.bodyFn()
	if err != nil {
		return nil, err
	}
	r.read = true
	r.cached = b
	return b, nil
}

// Text returns the response body decoded as UTF-8 text.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON decodes the response body into v, reusing the same cached read
// Bytes/Text do.
func (r *Response) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RetryAfter returns the parsed Retry-After header value, if present
// and a valid integer number of seconds, capped at 600s per spec.md
// §4.2/§4.4.
func (r *Response) RetryAfter() (time.Duration, bool) {
	v := r.Headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0, false
	}
	d := time.Duration(secs) * time.Second
	const cap_ = 600 * time.Second
	if d > cap_ {
		d = cap_
	}
	return d, true
}

// Package httpclient implements the default Dispatcher: the adapter
// between a *request.Request and the network, satisfying the
// Dispatcher interface requestmgr.Manager depends on. It is grounded
// on aioscraper's aiohttp-session adapter (one client builds a request
// from url/method/params/body/headers, issues it, and surfaces the
// final URL after redirects) translated to net/http, plus JakeFAU's
// internal/policy/ratelimit/limiter.go for the coarse per-host safety
// net layered in front of the transport.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// Config configures the default Dispatcher's transport.
type Config struct {
	Timeout       time.Duration
	TLSVerify     bool
	CAPath        string
	Proxy         string
	ProxyByScheme map[string]string
	SafetyNet     SafetyNetConfig
}

// Client is the net/http-backed Dispatcher. Its Dispatch method
// satisfies requestmgr.Dispatcher structurally.
type Client struct {
	cfg    Config
	log    *zap.Logger
	safety *SafetyNet

	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

type transportKey struct {
	proxy     string
	tlsVerify bool
}

// New builds a Client from cfg.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		log:        log,
		safety:     NewSafetyNet(cfg.SafetyNet),
		transports: make(map[transportKey]*http.Transport),
	}
	if _, err := c.transportFor("", cfg.TLSVerify); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops the safety net's background eviction sweep.
func (c *Client) Close() {
	c.safety.Close()
}

func (c *Client) transportFor(proxyOverride string, tlsVerify bool) (*http.Transport, error) {
	key := transportKey{proxy: proxyOverride, tlsVerify: tlsVerify}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[key]; ok {
		return t, nil
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !tlsVerify} //nolint:gosec // caller-controlled, per-request opt-out
	if c.cfg.CAPath != "" {
		pool, err := loadCAPool(c.cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("httpclient: load ca pool: %w", err)
		}
		tlsCfg.RootCAs = pool
	}

	proxyFn, err := c.proxyFunc(proxyOverride)
	if err != nil {
		return nil, err
	}

	t := &http.Transport{
		Proxy:               proxyFn,
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	c.transports[key] = t
	return t, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func (c *Client) proxyFunc(override string) (func(*http.Request) (*url.URL, error), error) {
	fixed := override
	if fixed == "" {
		fixed = c.cfg.Proxy
	}
	byScheme := c.cfg.ProxyByScheme

	return func(req *http.Request) (*url.URL, error) {
		if override != "" {
			return url.Parse(override)
		}
		if byScheme != nil {
			if raw, ok := byScheme[req.URL.Scheme]; ok && raw != "" {
				return url.Parse(raw)
			}
		}
		if fixed != "" {
			return url.Parse(fixed)
		}
		return http.ProxyFromEnvironment(req)
	}, nil
}

// Dispatch issues req over the network and returns the resulting
// Response, or a *scrapererr.TransportError on failure below the HTTP
// semantics layer.
func (c *Client) Dispatch(ctx context.Context, req *request.Request) (*request.Response, error) {
	host := hostOf(req.URL)
	if err := c.safety.Wait(ctx, host); err != nil {
		return nil, &scrapererr.TransportError{Kind: scrapererr.TransportTimeout, URL: req.URL, Err: err}
	}

	// session.timeout bounds the whole round trip, including the lazy
	// body read NewResponse defers until a callback actually asks for
	// it, so cancel is threaded into that closure rather than deferred
	// here.
	dispatchCtx := ctx
	cancel := func() {}
	if c.cfg.Timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}

	httpReq, err := c.buildHTTPRequest(dispatchCtx, req)
	if err != nil {
		cancel()
		return nil, &scrapererr.TransportError{Kind: scrapererr.TransportProtocolError, URL: req.URL, Err: err}
	}

	tlsVerify := c.cfg.TLSVerify
	if req.TLSVerify != nil {
		tlsVerify = *req.TLSVerify
	}
	transport, err := c.transportFor(req.Proxy, tlsVerify)
	if err != nil {
		cancel()
		return nil, &scrapererr.TransportError{Kind: scrapererr.TransportProtocolError, URL: req.URL, Err: err}
	}
	client := &http.Client{Transport: transport}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		cancel()
		return nil, classifyTransportError(req.URL, err)
	}

	finalURL := req.URL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}

	body := httpResp.Body
	resp := request.NewResponse(req, finalURL, httpResp.StatusCode, httpResp.Header, latency, func() ([]byte, error) {
		defer cancel()
		defer body.Close()
		return io.ReadAll(body)
	})
	return resp, nil
}

func classifyTransportError(rawURL string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &scrapererr.TransportError{Kind: scrapererr.TransportTimeout, URL: rawURL, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &scrapererr.TransportError{Kind: scrapererr.TransportTimeout, URL: rawURL, Err: err}
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return &scrapererr.TransportError{Kind: scrapererr.TransportConnectionFailure, URL: rawURL, Err: err}
	}
	return &scrapererr.TransportError{Kind: scrapererr.TransportProtocolError, URL: rawURL, Err: err}
}

func (c *Client) buildHTTPRequest(ctx context.Context, req *request.Request) (*http.Request, error) {
	target := req.URL
	if req.Params != nil {
		if qs := req.Params.Encode(); qs != "" {
			sep := "?"
			if bytes.Contains([]byte(target), []byte("?")) {
				sep = "&"
			}
			target += sep + qs
		}
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case req.Body.Bytes != nil:
		bodyReader = bytes.NewReader(req.Body.Bytes)
	case req.Body.JSON != nil:
		enc, err := json.Marshal(req.Body.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		bodyReader = bytes.NewReader(enc)
		contentType = "application/json"
	case req.Body.Form != nil:
		r, ct, err := encodeForm(req.Body.Form)
		if err != nil {
			return nil, err
		}
		bodyReader, contentType = r, ct
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

func encodeForm(form *request.FormBody) (io.Reader, string, error) {
	if len(form.Files) == 0 {
		return bytes.NewReader([]byte(form.Fields.Encode())), "application/x-www-form-urlencoded", nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, vs := range form.Fields {
		for _, v := range vs {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("write form field %q: %w", k, err)
			}
		}
	}
	for _, f := range form.Files {
		part, err := w.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %q: %w", f.FieldName, err)
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("write form file %q: %w", f.FieldName, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	return u.Hostname()
}

package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every outbound call that does not carry its own
// deadline.
const DefaultTimeout = 30 * time.Second

// Client wraps a retrying http client with per-call deadlines and an
// optional proxy restricted to an allow-list of destination hosts.
type Client struct {
	Logger     *logrus.Logger
	Timeout    time.Duration
	httpclient *http.Client
}

// Config controls the outbound HTTP behavior shared by all providers.
type Config struct {
	Timeout      time.Duration
	RetryMax     int
	ProxyURL     string
	ProxyAllowed []string
	Logger       *logrus.Logger
}

func proxyFunc(rawURL string, allowed []string) (func(*http.Request) (*url.URL, error), error) {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, allow := range allowed {
			if host == allow || strings.HasSuffix(host, "."+allow) {
				return proxyURL, nil
			}
		}
		return nil, nil
	}, nil
}

// newTransport clones the default transport, keeping its dial and TLS
// handshake timeouts and connection pooling, and overrides only the proxy
// when an allow-listed one is configured.
func newTransport(cfg Config) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := proxyFunc(cfg.ProxyURL, cfg.ProxyAllowed)
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxy
	}
	return transport, nil
}

func NewClient(cfg Config) (*Client, error) {
	retryClient := retryablehttp.NewClient()
	if cfg.RetryMax > 0 {
		retryClient.RetryMax = cfg.RetryMax
	}

	if cfg.Logger != nil {
		retryClient.Logger = cfg.Logger
	} else {
		retryClient.Logger = nil
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	retryClient.HTTPClient.Transport = transport

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		Logger:     cfg.Logger,
		Timeout:    timeout,
		httpclient: retryClient.StandardClient(),
	}, nil
}

// NewTestClient builds a client around an existing http.Client. Tests use it
// to inject a roundTripperFunc.
func NewTestClient(httpclient *http.Client) *Client {
	return &Client{Timeout: DefaultTimeout, httpclient: httpclient}
}

// Do performs one request bounded by the client timeout. The response body
// is read in full before the deadline is released, so callers may decode it
// at their leisure.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Op: method + " " + rawURL, Timeout: c.Timeout, Err: err}
		}
		return nil, err
	}

	buf, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Op: method + " " + rawURL, Timeout: c.Timeout, Err: err}
		}
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	return resp, nil
}

// DoJSON performs a request with an optional JSON body and decodes a JSON
// response into out. Non-2xx responses are returned as a ProviderError
// carrying the response body.
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	resp, err := c.Do(ctx, method, rawURL, headers, reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if readErr != nil {
			return &ProviderError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("%s - %s", resp.Status, strings.TrimSpace(string(respBody)))}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

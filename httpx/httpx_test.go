package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestDoJSON(t *testing.T) {
	client := NewTestClient(&http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(bytes.NewBufferString(`{"name":"example.com"}`)),
			}, nil
		}),
	})

	var out struct {
		Name string `json:"name"`
	}
	err := client.DoJSON(context.Background(), "GET", "http://example.com/zones", map[string]string{"Authorization": "Bearer token"}, nil, &out)
	assert.NoError(t, err)
	assert.Equal(t, "example.com", out.Name)
}

func TestDoJSONNon2xx(t *testing.T) {
	client := NewTestClient(&http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusForbidden,
				Status:     "403 Forbidden",
				Body:       io.NopCloser(bytes.NewBufferString(`{"success":false}`)),
			}, nil
		}),
	})

	err := client.DoJSON(context.Background(), "GET", "http://example.com/zones", nil, nil, nil)
	var provErr *ProviderError
	assert.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusForbidden, provErr.StatusCode)
	assert.Contains(t, provErr.Message, "403")
}

func TestDoTimeout(t *testing.T) {
	client := NewTestClient(&http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		}),
	})
	client.Timeout = 10 * time.Millisecond

	_, err := client.Do(context.Background(), "GET", "http://example.com/slow", nil, nil)
	var timeoutErr *TimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 10*time.Millisecond, timeoutErr.Timeout)
}

func TestDoJSONBodyDeliveredAfterHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	client := NewTestClient(srv.Client())

	var out struct {
		OK bool `json:"ok"`
	}
	err := client.DoJSON(context.Background(), "GET", srv.URL, nil, nil, &out)
	assert.NoError(t, err)
	assert.True(t, out.OK)
}

func TestNewTransportKeepsDefaults(t *testing.T) {
	def := http.DefaultTransport.(*http.Transport)

	transport, err := newTransport(Config{})
	assert.NoError(t, err)
	assert.Equal(t, def.MaxIdleConns, transport.MaxIdleConns)
	assert.Equal(t, def.TLSHandshakeTimeout, transport.TLSHandshakeTimeout)
	assert.NotNil(t, transport.DialContext)
	assert.NotNil(t, transport.Proxy)

	transport, err = newTransport(Config{ProxyURL: "http://proxy.internal:3128", ProxyAllowed: []string{"aliyuncs.com"}})
	assert.NoError(t, err)
	req, _ := http.NewRequest("GET", "https://alidns.aliyuncs.com/", nil)
	u, err := transport.Proxy(req)
	assert.NoError(t, err)
	assert.Equal(t, "proxy.internal:3128", u.Host)
}

func TestProxyFuncAllowList(t *testing.T) {
	proxy, err := proxyFunc("http://proxy.internal:3128", []string{"aliyuncs.com"})
	assert.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://alidns.aliyuncs.com/", nil)
	u, err := proxy(req)
	assert.NoError(t, err)
	assert.NotNil(t, u)
	assert.Equal(t, "proxy.internal:3128", u.Host)

	req, _ = http.NewRequest("GET", "https://api.cloudflare.com/", nil)
	u, err = proxy(req)
	assert.NoError(t, err)
	assert.Nil(t, u)
}

func TestProviderErrorFormat(t *testing.T) {
	err := &ProviderError{Provider: "Cloudflare", Code: 81044, Message: "record not found"}
	assert.Equal(t, "Cloudflare error #81044 record not found", err.Error())

	err = &ProviderError{StatusCode: 500, Message: "500 Internal Server Error"}
	assert.Contains(t, err.Error(), "unexpected status 500")
}

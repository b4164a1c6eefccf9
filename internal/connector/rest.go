package connector

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/stellarbrain/coindepth/internal/config"
)

// REST is for REST API connection.
type REST struct {
	HTTPClient *http.Client
	Cfg        *config.REST
}

// NewREST creates a REST connection with a tuned transport from
// configured values.
func NewREST(cfg *config.REST) *REST {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		t.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	}
	return &REST{
		HTTPClient: &http.Client{Transport: t},
		Cfg:        cfg,
	}
}

// Request returns a GET request for the url bound to the given context.
func (r *REST) Request(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Do executes the request with the configured timeout.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	if r.Cfg.ReqTimeoutSec > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), time.Duration(r.Cfg.ReqTimeoutSec)*time.Second)
		req = req.WithContext(ctx)
		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return r.HTTPClient.Do(req)
}

// cancelBody releases the request timeout when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

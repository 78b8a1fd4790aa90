package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/go-resty/resty/v2"
)

// Config holds the outbound HTTP client configuration.
type Config struct {
	Timeout     time.Duration `yaml:"timeout" json:"timeout" default:"30s" validate:"gte=1s"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries" default:"3" validate:"gte=0,lte=10"`
	Debug       bool          `yaml:"debug" json:"debug" default:"false"`
	RetryWaitMS int           `yaml:"retry_wait_ms" json:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
}

// Client executes http_request nodes with resty.
type Client struct {
	Config Config
	client *resty.Client
}

var (
	_ runtime.HTTPClient  = (*Client)(nil)
	_ runtime.Initializer = (*Client)(nil)
	_ runtime.Shutdowner  = (*Client)(nil)
)

func NewClient(cfg Config) *Client {
	c := &Client{Config: cfg}
	c.client = newResty(cfg)
	return c
}

func newResty(cfg Config) *resty.Client {
	return resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS) * time.Millisecond).
		SetDebug(cfg.Debug)
}

// Initialize rebuilds the resty client from Config, which the caller may have
// changed after NewClient.
func (c *Client) Initialize(context.Context) error {
	c.client = newResty(c.Config)
	return nil
}

func (c *Client) Shutdown(context.Context) error {
	c.client = nil
	return nil
}

// Do sends req and returns the raw response. Status codes are returned as-is;
// only transport failures produce an error.
func (c *Client) Do(ctx context.Context, req runtime.HTTPRequest) (*runtime.HTTPResponse, error) {
	if c.client == nil {
		return nil, errors.New("http client is shut down")
	}

	r := c.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers)

	if len(req.Body) > 0 {
		if isFormRequest(req.Headers) {
			form, err := formBody(req.Body)
			if err != nil {
				return nil, err
			}
			r.SetFormData(form)
		} else {
			if _, ok := req.Headers["Content-Type"]; !ok {
				r.SetHeader("Content-Type", "application/json")
			}
			r.SetBody(req.Body)
		}
	}

	resp, err := r.Execute(req.Method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	return &runtime.HTTPResponse{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}

func isFormRequest(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") && strings.HasPrefix(strings.ToLower(v), "application/x-www-form-urlencoded") {
			return true
		}
	}
	return false
}

func formBody(body []byte) (map[string]string, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("form request body must be a JSON object: %w", err)
	}
	return flattenToFormData(fields, ""), nil
}

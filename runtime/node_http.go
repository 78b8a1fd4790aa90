package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
)

// HTTPClient executes external calls for http_request nodes.
type HTTPClient interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

// ResponseMapping copies the value at Path in the JSON response into Variable.
// An empty path or "$" maps the whole body.
type ResponseMapping struct {
	Variable string `json:"variable" validate:"required"`
	Path     string `json:"path"`
}

type HTTPNodeConfig struct {
	Method         string            `json:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	URL            string            `json:"url" validate:"required,url_format"`
	Headers        map[string]string `json:"headers"`
	Body           any               `json:"body"`
	TimeoutSeconds int               `json:"timeoutSeconds" validate:"gte=0"`
	Mappings       []ResponseMapping `json:"mappings" validate:"dive"`
	StatusVariable string            `json:"statusVariable"`
}

func (w *Walker) execHTTP(exec *Execution, node *Node) (Outcome, error) {
	cfg, err := decodeNodeConfig[HTTPNodeConfig](node)
	if err != nil {
		return Outcome{}, err
	}
	if w.http == nil {
		return Outcome{}, &FlowError{
			Type:    ErrorTypePermanent,
			Code:    ErrorCodeHTTPTransport,
			Message: "no HTTP client configured",
		}
	}

	body, err := requestBody(exec, cfg.Body)
	if err != nil {
		return Outcome{}, err
	}
	timeout := w.cfg.HTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	req := HTTPRequest{
		Method:  strings.ToUpper(cfg.Method),
		URL:     exec.Interpolate(cfg.URL),
		Headers: exec.Scope().InterpolateMap(cfg.Headers),
		Body:    body,
		Timeout: timeout,
	}

	ctx, cancel := context.WithTimeout(exec, timeout)
	defer cancel()
	resp, err := w.http.Do(ctx, req)
	if err != nil {
		fe := asFlowError(err, node.ID, exec.Session.ID)
		if fe.Type != ErrorTypeTimeout {
			fe.Type = ErrorTypeTransient
			fe.Code = ErrorCodeHTTPTransport
		}
		fe.Meta = map[string]any{"method": req.Method, "url": req.URL}
		return Outcome{}, fe
	}

	if cfg.StatusVariable != "" {
		exec.SetVariable(cfg.StatusVariable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errType := ErrorTypePermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			errType = ErrorTypeTransient
		}
		return Outcome{}, &FlowError{
			Type:    errType,
			Code:    ErrorCodeHTTPStatus,
			Message: fmt.Sprintf("%s %s returned %d", req.Method, req.URL, resp.StatusCode),
			Meta:    map[string]any{"status": resp.StatusCode},
		}
	}

	w.applyMappings(exec, node, cfg.Mappings, resp.Body)
	return Continue(), nil
}

// requestBody interpolates a string body or each string leaf of a structured one.
func requestBody(exec *Execution, body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		if b == "" {
			return nil, nil
		}
		return []byte(exec.Interpolate(b)), nil
	default:
		data, err := json.Marshal(interpolateTree(exec.Scope(), b))
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

func interpolateTree(sc Scope, v any) any {
	switch t := v.(type) {
	case string:
		return sc.Interpolate(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = interpolateTree(sc, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = interpolateTree(sc, val)
		}
		return out
	default:
		return v
	}
}

func (w *Walker) applyMappings(exec *Execution, node *Node, mappings []ResponseMapping, body []byte) {
	if len(mappings) == 0 {
		return
	}
	// A non-JSON body only satisfies whole-body mappings.
	parsed, _ := gabs.ParseJSON(body)
	for _, m := range mappings {
		path := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(m.Path), "$"), ".")
		if path == "" {
			if parsed != nil {
				exec.SetVariable(m.Variable, parsed.Data())
			} else {
				exec.SetVariable(m.Variable, string(body))
			}
			continue
		}
		if parsed == nil || !parsed.ExistsP(path) {
			w.l.DebugContext(exec, "Response mapping path not found",
				"node_id", node.ID,
				"path", m.Path,
				"variable", m.Variable)
			continue
		}
		exec.SetVariable(m.Variable, parsed.Path(path).Data())
	}
}

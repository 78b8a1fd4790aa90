package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Timeout: 5 * time.Second, MaxRetries: 0, RetryWaitMS: 1}
}

func TestClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"sku":"A1"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord-7"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	resp, err := c.Do(context.Background(), runtime.HTTPRequest{
		Method:  http.MethodPost,
		URL:     srv.URL + "/orders",
		Headers: map[string]string{"X-Token": "secret"},
		Body:    []byte(`{"sku":"A1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":"ord-7"}`, string(resp.Body))
}

func TestClient_DoForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "1099", r.PostForm.Get("amount"))
		assert.Equal(t, "o-1", r.PostForm.Get("metadata[order_id]"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testConfig())
	resp, err := c.Do(context.Background(), runtime.HTTPRequest{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(`{"amount":1099,"metadata":{"order_id":"o-1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_ErrorStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := NewClient(testConfig()).Do(context.Background(), runtime.HTTPRequest{Method: http.MethodGet, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClient_Lifecycle(t *testing.T) {
	c := NewClient(testConfig())
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	_, err := c.Do(context.Background(), runtime.HTTPRequest{Method: http.MethodGet, URL: "http://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestWebhookSender_Send(t *testing.T) {
	var got runtime.OutboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL, Timeout: time.Second, Headers: map[string]string{"Authorization": "Bearer t"}})
	err := s.Send(context.Background(), runtime.OutboundMessage{SessionID: "s1", ChatID: "c1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ChatID)
	assert.Equal(t, "hello", got.Content)
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(WebhookConfig{URL: srv.URL, Timeout: time.Second, MaxRetries: 2})
	s.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)
	err := s.Send(context.Background(), runtime.OutboundMessage{ChatID: "c1", Content: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCompletionClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "small", body["model"])
		tools, _ := body["tools"].([]any)
		if assert.Len(t, tools, 1) {
			assert.Equal(t, "function", tools[0].(map[string]any)["type"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"","tool_calls":[
			{"function":{"name":"route","arguments":"{\"plan\":\"pro\"}"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(CompletionConfig{BaseURL: srv.URL, APIKey: "key", Model: "small", Timeout: time.Second})
	resp, err := c.Complete(context.Background(), runtime.CompletionRequest{
		Messages: []runtime.ChatMessage{{Role: "user", Content: "upgrade me"}},
		Tools:    []runtime.ToolDefinition{{Name: "route", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "route", resp.ToolCalls[0].Name)
	assert.Equal(t, "pro", resp.ToolCalls[0].Arguments["plan"])
}

func TestCompletionClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	}))
	defer srv.Close()

	c := NewCompletionClient(CompletionConfig{BaseURL: srv.URL, APIKey: "key", Model: "small", Timeout: time.Second})
	_, err := c.Complete(context.Background(), runtime.CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

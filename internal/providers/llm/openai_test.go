package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestOpenAICompleteSendsChatRequest(t *testing.T) {
	t.Parallel()
	var captured *http.Request
	var capturedBody []byte
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		return jsonResponse(http.StatusOK,
			`{"choices": [{"message": {"content": " {\"title\": \"ok\"} "}}]}`), nil
	})}

	c, err := NewOpenAI(OpenAIOptions{APIKey: "sk-test", HTTPClient: client})
	if err != nil {
		t.Fatalf("NewOpenAI returned error: %v", err)
	}
	out, err := c.Complete(context.Background(), Request{
		System:      "be brief",
		User:        "hello",
		MaxTokens:   100,
		Temperature: 0.5,
		JSONOnly:    true,
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out != `{"title": "ok"}` {
		t.Fatalf("content = %q", out)
	}

	if captured.URL.String() != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("url = %s", captured.URL)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Fatalf("authorization = %q", got)
	}

	var payload struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	if err := json.Unmarshal(capturedBody, &payload); err != nil {
		t.Fatalf("decode captured body: %v", err)
	}
	if payload.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", payload.Model)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" || payload.Messages[1].Content != "hello" {
		t.Fatalf("messages = %+v", payload.Messages)
	}
	if payload.ResponseFormat == nil || payload.ResponseFormat.Type != "json_object" {
		t.Fatalf("response_format = %+v", payload.ResponseFormat)
	}
}

func TestOpenAICompleteErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		resp *http.Response
	}{
		{"http_error", jsonResponse(http.StatusTooManyRequests, `{"error": {"message": "rate limit"}}`)},
		{"no_choices", jsonResponse(http.StatusOK, `{"choices": []}`)},
		{"empty_content", jsonResponse(http.StatusOK, `{"choices": [{"message": {"content": "  "}}]}`)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return tc.resp, nil
			})}
			c, err := NewOpenAI(OpenAIOptions{APIKey: "sk-test", HTTPClient: client})
			if err != nil {
				t.Fatalf("NewOpenAI returned error: %v", err)
			}
			if _, err := c.Complete(context.Background(), Request{User: "hi"}); err == nil {
				t.Fatal("want error")
			}
		})
	}
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := NewOpenAI(OpenAIOptions{}); err == nil {
		t.Fatal("want error for missing api key")
	}
}

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Pavinberg/qwen-chat-shell/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
	log              = logging.Get()
)

const defaultRequestTimeout = 600 * time.Second

// Client handles communication with the chat completions API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new API client. A timeout of 0 selects the default
// request timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

func (c *Client) newRequest(ctx context.Context, req *ChatRequest) (*http.Request, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}

// requestError extracts the API's error.message from a non-2xx body,
// falling back to a generic transport-error string.
func requestError(status int, body []byte) error {
	var parsed ChatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, status, parsed.Error.Message)
	}
	return fmt.Errorf("%w: status %d", ErrRequestFailed, status)
}

// StreamCallback is called for each event in the stream.
type StreamCallback func(event StreamEvent)

// ChatStream sends a chat request and streams the response. The callback is
// called for each content chunk and once with a "done" event at the end.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, callback StreamCallback) error {
	req.Stream = true

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return err
	}

	log.Debug("HTTP POST %s/chat/completions (model: %s, messages: %d, stream)",
		c.baseURL, req.Model, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return requestError(resp.StatusCode, body)
	}

	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads SSE events and calls the callback for each.
func (c *Client) processStream(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {json}"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// Stream end marker
		if data == "[DONE]" {
			callback(StreamEvent{Type: "done"})
			return nil
		}

		var resp ChatResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue // Skip malformed chunks
		}

		if resp.Error != nil {
			callback(StreamEvent{
				Type:  "error",
				Error: resp.Error.Message,
			})
			return fmt.Errorf("%w: %s", ErrStreamError, resp.Error.Message)
		}

		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta == nil {
			delta = resp.Choices[0].Message
		}
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			callback(StreamEvent{
				Type:    "content",
				Content: delta.Content,
			})
		}
	}

	if err := scanner.Err(); err != nil {
		// When the context is canceled (user interrupt), the HTTP body closes
		// and the scanner sees an IO error. Return the context error so
		// callers can detect the cancellation.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("SSE scanner error: %v", err)
		return err
	}

	callback(StreamEvent{Type: "done"})
	return nil
}

// Chat sends a chat request without streaming and returns the assistant's
// response content. A response missing the expected fields yields an empty
// string with a logged diagnostic rather than an error.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	req.Stream = false

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	log.Debug("HTTP POST %s/chat/completions (model: %s, messages: %d)",
		c.baseURL, req.Model, len(req.Messages))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return "", requestError(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", err
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: %s", ErrRequestFailed, chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		log.Error("Response missing choices[0].message; returning empty content")
		return "", nil
	}

	return chatResp.Choices[0].Message.Content, nil
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Pavinberg/qwen-chat-shell/internal/config"
	"github.com/Pavinberg/qwen-chat-shell/internal/highlight"
	"github.com/Pavinberg/qwen-chat-shell/internal/llm"
	"github.com/Pavinberg/qwen-chat-shell/internal/session"
	"github.com/Pavinberg/qwen-chat-shell/internal/state"
)

func setupSendIntegrationEnv(t *testing.T, baseURL string) {
	t.Helper()

	oldAppConfig := appConfig
	oldLLMClient := llmClient
	oldRegistry := registry
	oldPipeline := pipeline
	oldSess := sess
	oldPrompts := systemPrompts
	oldStore := store

	streaming := true
	appConfig = &config.Config{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		DefaultModel: "qwen-max",
		Streaming:    &streaming,
		SystemPrompts: map[string]string{
			"coder": "You write code.",
		},
	}
	llmClient = llm.NewClient(baseURL, appConfig.APIKey, 5*time.Second)
	registry = llm.NewRegistry()
	pipeline = session.NewPipeline(llmClient, highlight.NewRegistry())
	systemPrompts = map[string]string{"coder": "You write code."}

	model, err := llm.LookupModel("qwen-max")
	if err != nil {
		t.Fatalf("LookupModel failed: %v", err)
	}
	sess = session.New(model)

	store = state.New()
	if err := store.Init(t.TempDir()); err != nil {
		t.Fatalf("state init failed: %v", err)
	}
	resetActiveStreamForTest()

	t.Cleanup(func() {
		appConfig = oldAppConfig
		llmClient = oldLLMClient
		registry = oldRegistry
		pipeline = oldPipeline
		sess = oldSess
		systemPrompts = oldPrompts
		store = oldStore
		resetActiveStreamForTest()
	})
}

func captureJSONResponses(t *testing.T, fn func()) []map[string]any {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe failed: %v", err)
	}

	var outBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(&outBuf, r)
		done <- copyErr
	}()

	os.Stdout = w
	defer func() {
		os.Stdout = oldStdout
	}()

	fn()

	if err := w.Close(); err != nil {
		t.Fatalf("closing write pipe failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("reading captured stdout failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("closing read pipe failed: %v", err)
	}

	raw := strings.TrimSpace(outBuf.String())
	if raw == "" {
		return nil
	}

	lines := strings.Split(raw, "\n")
	responses := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("failed to parse JSON response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func countResponsesByType(responses []map[string]any, msgType string) int {
	count := 0
	for _, resp := range responses {
		if gotType, _ := resp["type"].(string); gotType == msgType {
			count++
		}
	}
	return count
}

func firstResponseByType(responses []map[string]any, msgType string) map[string]any {
	for _, resp := range responses {
		if gotType, _ := resp["type"].(string); gotType == msgType {
			return resp
		}
	}
	return nil
}

func writeSSEJSON(t *testing.T, w http.ResponseWriter, payload map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json marshal failed: %v", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", string(data)); err != nil {
		t.Fatalf("failed to write SSE payload: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeSSEDone(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		t.Fatalf("failed to write SSE done marker: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sseChunkServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			writeSSEJSON(t, w, map[string]any{
				"choices": []any{
					map[string]any{"delta": map[string]any{"content": chunk}},
				},
			})
		}
		writeSSEDone(t, w)
	}))
}

func TestHandleSendIntegrationSuccess(t *testing.T) {
	server := sseChunkServer(t, "Here is ", "`x = 1`", " inline.")
	defer server.Close()

	setupSendIntegrationEnv(t, server.URL)

	reqID := "req-send-ok"
	if !reserveActiveStream(reqID) {
		t.Fatal("failed to reserve active stream")
	}

	responses := captureJSONResponses(t, func() {
		handleSend(reqID, map[string]any{"content": "show me inline code"}, false)
	})

	if countResponsesByType(responses, "error") != 0 {
		t.Fatalf("expected no error responses, got %+v", responses)
	}
	if countResponsesByType(responses, "chunk") != 3 {
		t.Fatalf("expected 3 chunk responses, got %+v", responses)
	}
	if countResponsesByType(responses, "done") != 1 {
		t.Fatalf("expected exactly one done response, got %+v", responses)
	}

	// Chunk spans advance by exact chunk length.
	offset := 0
	for _, resp := range responses {
		if resp["type"] != "chunk" {
			continue
		}
		content, _ := resp["content"].(string)
		start := int(resp["start"].(float64))
		end := int(resp["end"].(float64))
		if start != offset || end != offset+len(content) {
			t.Fatalf("chunk span [%d, %d) for %q, want [%d, %d)", start, end, content, offset, offset+len(content))
		}
		offset = end
	}

	doneResp := firstResponseByType(responses, "done")
	if got := doneResp["content"]; got != "Here is `x = 1` inline." {
		t.Fatalf("done content = %v", got)
	}
	decs, ok := doneResp["decorations"].([]any)
	if !ok || len(decs) == 0 {
		t.Fatalf("done response missing decorations: %+v", doneResp)
	}

	if len(sess.History) != 1 || !sess.History[0].Done {
		t.Fatalf("history = %+v, want one completed turn", sess.History)
	}
	if hasActiveStream() {
		t.Fatal("active stream not cleared after send")
	}
}

func TestHandleSendIntegrationTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "backend exploded"},
		})
	}))
	defer server.Close()

	setupSendIntegrationEnv(t, server.URL)

	reqID := "req-send-fail"
	if !reserveActiveStream(reqID) {
		t.Fatal("failed to reserve active stream")
	}

	responses := captureJSONResponses(t, func() {
		handleSend(reqID, map[string]any{"content": "doomed"}, false)
	})

	if countResponsesByType(responses, "error") != 1 {
		t.Fatalf("expected one error response, got %+v", responses)
	}
	errResp := firstResponseByType(responses, "error")
	msg, _ := errResp["message"].(string)
	if !strings.Contains(msg, "backend exploded") {
		t.Fatalf("error message = %q, want the API message surfaced", msg)
	}
	if len(sess.History) != 0 {
		t.Fatalf("history modified on transport failure: %+v", sess.History)
	}
}

func TestHandleSendIntegrationPreCanceled(t *testing.T) {
	server := sseChunkServer(t, "never seen")
	defer server.Close()

	setupSendIntegrationEnv(t, server.URL)

	reqID := "req-send-canceled"
	if !reserveActiveStream(reqID) {
		t.Fatal("failed to reserve active stream")
	}
	if !cancelActiveStream(reqID) {
		t.Fatal("failed to cancel reserved stream")
	}

	responses := captureJSONResponses(t, func() {
		handleSend(reqID, map[string]any{"content": "too late"}, false)
	})

	if countResponsesByType(responses, "interrupted") != 1 {
		t.Fatalf("expected one interrupted response, got %+v", responses)
	}
	if countResponsesByType(responses, "chunk") != 0 {
		t.Fatalf("expected no chunks after cancel, got %+v", responses)
	}
}

func TestHandleRequestRender(t *testing.T) {
	responses := captureJSONResponses(t, func() {
		handleRequest(`{"action": "render", "request_id": "r1", "text": "a **bold** word"}`)
	})

	if len(responses) != 1 {
		t.Fatalf("expected one response, got %+v", responses)
	}
	resp := responses[0]
	if resp["type"] != "decorations" || resp["request_id"] != "r1" {
		t.Fatalf("response = %+v", resp)
	}
	decs, ok := resp["decorations"].([]any)
	if !ok || len(decs) != 3 {
		t.Fatalf("decorations = %+v, want hide/style/hide", resp["decorations"])
	}
}

func TestHandleRequestBlockNavigation(t *testing.T) {
	text := "before\n\n```go\nmain()\n```\n\nafter"
	req := map[string]any{
		"action":     "next_block",
		"request_id": "r2",
		"text":       text,
		"point":      0,
	}
	line, _ := json.Marshal(req)

	responses := captureJSONResponses(t, func() {
		handleRequest(string(line))
	})

	resp := firstResponseByType(responses, "block")
	if resp == nil {
		t.Fatalf("no block response: %+v", responses)
	}
	if resp["language"] != "go" {
		t.Fatalf("language = %v, want go", resp["language"])
	}
	start := int(resp["start"].(float64))
	if !strings.HasPrefix(text[start:], "```go") {
		t.Fatalf("block start %d does not point at the fence", start)
	}
}

func TestHandleRequestExecuteBlockConfirmFlow(t *testing.T) {
	text := "```shell\necho executed\n```"

	first := captureJSONResponses(t, func() {
		handleRequest(fmt.Sprintf(`{"action": "execute_block", "request_id": "e1", "text": %q, "point": 3}`, text))
	})
	confirm := firstResponseByType(first, "confirm")
	if confirm == nil {
		t.Fatalf("expected confirm response, got %+v", first)
	}
	if prompt, _ := confirm["prompt"].(string); !strings.Contains(prompt, "shell") {
		t.Fatalf("prompt = %q", prompt)
	}

	second := captureJSONResponses(t, func() {
		handleRequest(fmt.Sprintf(`{"action": "execute_block", "request_id": "e2", "text": %q, "point": 3, "confirmed": true}`, text))
	})
	ok := firstResponseByType(second, "ok")
	if ok == nil {
		t.Fatalf("expected ok response, got %+v", second)
	}
	if out, _ := ok["output"].(string); !strings.Contains(out, "executed") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleRequestUnknownAction(t *testing.T) {
	responses := captureJSONResponses(t, func() {
		handleRequest(`{"action": "levitate", "request_id": "u1"}`)
	})
	errResp := firstResponseByType(responses, "error")
	if errResp == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if msg, _ := errResp["message"].(string); !strings.Contains(msg, "levitate") {
		t.Fatalf("message = %q", msg)
	}
}

func TestHandleRequestTranscriptSaveAndRestore(t *testing.T) {
	server := sseChunkServer(t, "unused")
	defer server.Close()
	setupSendIntegrationEnv(t, server.URL)

	sess.AppendTurn("What is Go?", "A language.")

	saved := captureJSONResponses(t, func() {
		handleRequest(`{"action": "transcript_save", "request_id": "t1", "name": "intro"}`)
	})
	okResp := firstResponseByType(saved, "ok")
	if okResp == nil {
		t.Fatalf("save failed: %+v", saved)
	}
	id, _ := okResp["id"].(string)
	if id == "" {
		t.Fatalf("missing transcript id: %+v", okResp)
	}

	sess.ClearHistory()

	restored := captureJSONResponses(t, func() {
		handleRequest(fmt.Sprintf(`{"action": "transcript_restore", "request_id": "t2", "id": %q}`, id))
	})
	if firstResponseByType(restored, "ok") == nil {
		t.Fatalf("restore failed: %+v", restored)
	}
	if len(sess.History) != 1 || sess.History[0].Request != "What is Go?" {
		t.Fatalf("restored history = %+v", sess.History)
	}
}

func TestHandleRequestSystemPromptRegister(t *testing.T) {
	server := sseChunkServer(t, "unused")
	defer server.Close()
	setupSendIntegrationEnv(t, server.URL)

	responses := captureJSONResponses(t, func() {
		handleRequest(`{"action": "system_prompt_register", "request_id": "p1", "name": "reviewer", "prompt": "You review diffs."}`)
	})
	if firstResponseByType(responses, "ok") == nil {
		t.Fatalf("register failed: %+v", responses)
	}
	if systemPrompts["reviewer"] != "You review diffs." {
		t.Fatalf("prompt not registered: %+v", systemPrompts)
	}

	// A second registration under the same name must be rejected and must
	// not overwrite the original prompt.
	responses = captureJSONResponses(t, func() {
		handleRequest(`{"action": "system_prompt_register", "request_id": "p2", "name": "reviewer", "prompt": "Something else."}`)
	})
	errResp := firstResponseByType(responses, "error")
	if errResp == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if msg, _ := errResp["message"].(string); !strings.Contains(msg, "already registered") {
		t.Fatalf("message = %q", msg)
	}
	if systemPrompts["reviewer"] != "You review diffs." {
		t.Fatalf("duplicate registration overwrote prompt: %q", systemPrompts["reviewer"])
	}

	responses = captureJSONResponses(t, func() {
		handleRequest(`{"action": "system_prompt_register", "request_id": "p3", "name": "empty"}`)
	})
	errResp = firstResponseByType(responses, "error")
	if errResp == nil {
		t.Fatalf("expected error for missing prompt, got %+v", responses)
	}

	responses = captureJSONResponses(t, func() {
		handleRequest(`{"action": "system_prompt_list", "request_id": "p4"}`)
	})
	listResp := firstResponseByType(responses, "system_prompts")
	if listResp == nil {
		t.Fatalf("no list response: %+v", responses)
	}
	names, _ := listResp["names"].([]any)
	found := false
	for _, n := range names {
		if n == "reviewer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("names = %+v, want reviewer listed", names)
	}
}

func TestHandleRequestSwitchSystemPrompt(t *testing.T) {
	server := sseChunkServer(t, "unused")
	defer server.Close()
	setupSendIntegrationEnv(t, server.URL)

	responses := captureJSONResponses(t, func() {
		handleRequest(`{"action": "switch_system_prompt", "request_id": "s1", "name": "coder"}`)
	})
	okResp := firstResponseByType(responses, "ok")
	if okResp == nil {
		t.Fatalf("switch failed: %+v", responses)
	}
	if okResp["system_prompt"] != "coder" {
		t.Fatalf("system_prompt = %v, want coder", okResp["system_prompt"])
	}
	if sess.SystemPrompt != "You write code." {
		t.Fatalf("session prompt = %q", sess.SystemPrompt)
	}

	responses = captureJSONResponses(t, func() {
		handleRequest(`{"action": "switch_system_prompt", "request_id": "s2", "name": "no-such-prompt"}`)
	})
	errResp := firstResponseByType(responses, "error")
	if errResp == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if msg, _ := errResp["message"].(string); !strings.Contains(msg, "Unknown system prompt") {
		t.Fatalf("message = %q", msg)
	}
	if sess.SystemPrompt != "You write code." {
		t.Fatalf("failed switch changed session prompt: %q", sess.SystemPrompt)
	}

	// An empty name selects no system prompt.
	responses = captureJSONResponses(t, func() {
		handleRequest(`{"action": "switch_system_prompt", "request_id": "s3", "name": ""}`)
	})
	okResp = firstResponseByType(responses, "ok")
	if okResp == nil {
		t.Fatalf("clearing prompt failed: %+v", responses)
	}
	if okResp["system_prompt"] != "" {
		t.Fatalf("system_prompt = %v, want empty", okResp["system_prompt"])
	}
	if sess.SystemPrompt != "" {
		t.Fatalf("session prompt = %q, want cleared", sess.SystemPrompt)
	}
}

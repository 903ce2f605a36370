// qwen-shell is the editor backend for the Qwen chat shell. It speaks a
// JSON-line protocol on stdin/stdout: one request object per line, one or
// more response objects per line tagged with the request id.
package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Pavinberg/qwen-chat-shell/internal/actions"
	"github.com/Pavinberg/qwen-chat-shell/internal/config"
	"github.com/Pavinberg/qwen-chat-shell/internal/highlight"
	"github.com/Pavinberg/qwen-chat-shell/internal/llm"
	"github.com/Pavinberg/qwen-chat-shell/internal/logging"
	"github.com/Pavinberg/qwen-chat-shell/internal/markdown"
	"github.com/Pavinberg/qwen-chat-shell/internal/session"
	"github.com/Pavinberg/qwen-chat-shell/internal/state"
)

//go:embed version.txt
var version string

//go:embed translate_prompt.txt
var translatePrompt string

//go:embed refactor_prompt.txt
var refactorPrompt string

//go:embed describe_prompt.txt
var describePrompt string

//go:embed unittest_prompt.txt
var unittestPrompt string

const blockRunTimeout = 60 * time.Second

var (
	appConfig *config.Config
	llmClient *llm.Client
	registry  *llm.Registry
	pipeline  *session.Pipeline
	resolver  = actions.NewResolver(actions.NewCommandExecutors())
	store     = state.New()
	log       = logging.Get()

	sess          *session.Session
	systemPrompts map[string]string

	respondMu sync.Mutex
	configMu  sync.Mutex
	sessMu    sync.Mutex
)

type streamState struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	requestID string
	canceled  bool
}

var activeStream streamState

func versionString() string {
	v := strings.TrimSpace(version)
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return v + " (" + setting.Value[:7] + ")"
			}
		}
	}
	return v
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("qwen-shell %s\n", versionString())
			return
		}
	}

	defer log.Close()

	if os.Getenv("QWEN_SHELL_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "qwen-shell: process started with QWEN_SHELL_DEBUG=1\n")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		handleRequest(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB). Split the request.",
			})
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
		os.Exit(1)
	}
}

// ensureConfig loads config lazily on first use. Configuration errors
// surface here, before any network call.
func ensureConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	if appConfig != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appConfig = cfg
	llmClient = llm.NewClient(cfg.BaseURL, cfg.APIKey, time.Duration(*cfg.TimeoutSeconds)*time.Second)
	registry = llm.NewRegistry(cfg.DefaultModel)
	pipeline = session.NewPipeline(llmClient, highlight.NewRegistry())
	systemPrompts = make(map[string]string, len(cfg.SystemPrompts))
	for name, prompt := range cfg.SystemPrompts {
		systemPrompts[name] = prompt
	}
	return nil
}

// ensureSession creates the conversation session on first use. Must be
// called with sessMu held.
func ensureSession() error {
	if sess != nil {
		return nil
	}
	if err := ensureConfig(); err != nil {
		return err
	}

	model, err := llm.LookupModel(appConfig.DefaultModel)
	if err != nil {
		return err
	}
	sess = session.New(model)
	sess.TurnBudget = appConfig.HistoryTurns
	sess.Temperature = appConfig.Temperature
	sess.Extra = appConfig.ExtraParams
	if appConfig.DefaultPrompt != "" {
		sess.SystemPrompt = systemPrompts[appConfig.DefaultPrompt]
	}
	return nil
}

// ensureStore initializes the transcript store on first use.
func ensureStore() error {
	if store.Dir != "" {
		return nil
	}
	return store.Init("")
}

func reserveActiveStream(reqID string) bool {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	if activeStream.requestID != "" {
		return false
	}
	activeStream.requestID = reqID
	activeStream.cancel = nil
	activeStream.canceled = false
	return true
}

func setActiveStreamCancel(reqID string, cancel context.CancelFunc) bool {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	if activeStream.requestID != reqID {
		return false
	}
	activeStream.cancel = cancel
	return true
}

func clearActiveStream(reqID string) {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	if activeStream.requestID != reqID {
		return
	}
	activeStream.requestID = ""
	activeStream.cancel = nil
	activeStream.canceled = false
}

func cancelActiveStream(targetID string) bool {
	activeStream.mu.Lock()
	if activeStream.requestID == "" {
		activeStream.mu.Unlock()
		return false
	}
	if targetID != "" && activeStream.requestID != targetID {
		activeStream.mu.Unlock()
		return false
	}
	cancel := activeStream.cancel
	activeStream.canceled = true
	activeStream.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

func wasStreamCanceled(reqID string) bool {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	return activeStream.requestID == reqID && activeStream.canceled
}

func hasActiveStream() bool {
	activeStream.mu.Lock()
	defer activeStream.mu.Unlock()
	return activeStream.requestID != ""
}

func taskPrompt(task string) (string, error) {
	switch task {
	case "translate":
		return strings.TrimSpace(translatePrompt), nil
	case "refactor":
		return strings.TrimSpace(refactorPrompt), nil
	case "describe":
		return strings.TrimSpace(describePrompt), nil
	case "tests":
		return strings.TrimSpace(unittestPrompt), nil
	default:
		return "", fmt.Errorf("unknown task: %s", task)
	}
}

func intField(req map[string]any, key string) (int, bool) {
	v, ok := req[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	if hasActiveStream() && actionBlockedDuringStream(action) {
		respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
		return
	}

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "version":
		respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "send_prompt", "send_region":
		if !reserveActiveStream(reqID) {
			respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
			return
		}
		go handleSend(reqID, req, action == "send_region")

	case "interrupt":
		targetID, _ := req["target_request_id"].(string)
		if !cancelActiveStream(targetID) {
			respond(reqID, map[string]any{"type": "error", "message": "No active request to interrupt"})
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "session_new":
		handleSessionNew(reqID, req)

	case "switch_model":
		handleSwitchModel(reqID, req)

	case "model_list":
		if err := ensureConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "models", "models": registry.IDs()})

	case "switch_system_prompt":
		handleSwitchSystemPrompt(reqID, req)

	case "system_prompt_register":
		handleSystemPromptRegister(reqID, req)

	case "system_prompt_list":
		if err := ensureConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		sessMu.Lock()
		names := make([]string, 0, len(systemPrompts))
		for name := range systemPrompts {
			names = append(names, name)
		}
		sessMu.Unlock()
		respond(reqID, map[string]any{"type": "system_prompts", "names": names})

	case "render":
		text, _ := req["text"].(string)
		els := markdown.Scan(text)
		decs := markdown.Render(text, els, highlight.NewRegistry())
		respond(reqID, map[string]any{"type": "decorations", "decorations": decs})

	case "execute_block":
		handleExecuteBlock(reqID, req)

	case "next_block", "previous_block":
		handleBlockNavigation(reqID, req, action == "next_block")

	case "rename_block_language":
		handleRenameBlockLanguage(reqID, req)

	case "view_exchange":
		handleViewExchange(reqID, req)

	case "transcript_save":
		handleTranscriptSave(reqID, req)

	case "transcript_restore":
		handleTranscriptRestore(reqID, req)

	case "transcript_list":
		if err := ensureStore(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		infos, err := store.ListTranscripts()
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "transcripts", "transcripts": infos})

	case "token_estimate":
		text, _ := req["text"].(string)
		count, err := llm.EstimateTokens(text)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "tokens", "tokens": count})

	case "history_list":
		sessMu.Lock()
		var turns []session.Turn
		if sess != nil {
			turns = append(turns, sess.History...)
		}
		sessMu.Unlock()
		respond(reqID, map[string]any{"type": "history", "turns": turns})

	case "history_clear":
		sessMu.Lock()
		if sess != nil {
			sess.ClearHistory()
		}
		sessMu.Unlock()
		respond(reqID, map[string]any{"type": "ok"})

	case "shutdown":
		log.Close()
		os.Exit(0)

	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

// actionBlockedDuringStream reports whether an action must wait for the
// in-flight exchange. The send goroutine holds the session lock for the
// whole exchange, so everything that touches the session is rejected up
// front to keep the request loop free for the interrupt. Navigation,
// rendering, and the interrupt itself stay available while streaming.
func actionBlockedDuringStream(action string) bool {
	switch action {
	case "send_prompt",
		"send_region",
		"session_new",
		"switch_model",
		"switch_system_prompt",
		"system_prompt_register",
		"system_prompt_list",
		"transcript_save",
		"transcript_restore",
		"history_list",
		"history_clear":
		return true
	default:
		return false
	}
}

func handleSessionNew(reqID string, req map[string]any) {
	if err := ensureConfig(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	modelID, _ := req["model"].(string)
	if modelID == "" {
		modelID = appConfig.DefaultModel
	}
	model, err := llm.LookupModel(modelID)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()

	fresh := session.New(model)
	fresh.TurnBudget = appConfig.HistoryTurns
	fresh.Temperature = appConfig.Temperature
	fresh.Extra = appConfig.ExtraParams
	if name, ok := req["system_prompt"].(string); ok && name != "" {
		prompt, found := systemPrompts[name]
		if !found {
			respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown system prompt: %s", name)})
			return
		}
		fresh.SystemPrompt = prompt
	}
	sess = fresh
	respond(reqID, map[string]any{"type": "ok", "model": model.ID})
}

func handleSwitchModel(reqID string, req map[string]any) {
	if err := ensureConfig(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	var model llm.Model
	var err error
	if index, ok := intField(req, "index"); ok {
		model, err = registry.ByIndex(index)
	} else if name, ok := req["model"].(string); ok && name != "" {
		model, err = registry.ByID(name)
	} else {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: model or index"})
		return
	}
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()
	if err := ensureSession(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	sess.Model = model
	respond(reqID, map[string]any{"type": "ok", "model": model.ID, "max_tokens": model.MaxTokens})
}

func handleSwitchSystemPrompt(reqID string, req map[string]any) {
	sessMu.Lock()
	defer sessMu.Unlock()
	if err := ensureSession(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	name, _ := req["name"].(string)
	if name == "" {
		sess.SystemPrompt = ""
		respond(reqID, map[string]any{"type": "ok", "system_prompt": ""})
		return
	}
	prompt, ok := systemPrompts[name]
	if !ok {
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown system prompt: %s", name)})
		return
	}
	sess.SystemPrompt = prompt
	respond(reqID, map[string]any{"type": "ok", "system_prompt": name})
}

func handleSystemPromptRegister(reqID string, req map[string]any) {
	if err := ensureConfig(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	name, _ := req["name"].(string)
	prompt, _ := req["prompt"].(string)
	if name == "" || prompt == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: name or prompt"})
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()
	if _, exists := systemPrompts[name]; exists {
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("System prompt already registered: %s", name)})
		return
	}
	systemPrompts[name] = prompt
	respond(reqID, map[string]any{"type": "ok"})
}

// buildRequestText composes the outgoing request from the prompt text, an
// optional selected region, and an optional canned task.
func buildRequestText(req map[string]any, regionRequired bool) (string, error) {
	content, _ := req["content"].(string)
	region, _ := req["region"].(string)
	task, _ := req["task"].(string)

	if regionRequired && region == "" {
		return "", errors.New("Missing required field: region")
	}

	if task != "" {
		prefix, err := taskPrompt(task)
		if err != nil {
			return "", err
		}
		if region == "" {
			return "", errors.New("Missing required field: region")
		}
		return prefix + "\n\n" + region, nil
	}

	switch {
	case content != "" && region != "":
		return content + "\n\n" + region, nil
	case region != "":
		return region, nil
	case content != "":
		return content, nil
	default:
		return "", errors.New("Missing required field: content")
	}
}

func handleSend(reqID string, req map[string]any, regionRequired bool) {
	defer clearActiveStream(reqID)

	if wasStreamCanceled(reqID) {
		respond(reqID, map[string]any{"type": "interrupted"})
		return
	}

	request, err := buildRequestText(req, regionRequired)
	if err != nil {
		respond(reqID, map[string]any{"type": "error", "message": err.Error()})
		return
	}

	if err := ensureConfig(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	sessMu.Lock()
	if err := ensureSession(); err != nil {
		sessMu.Unlock()
		respond(reqID, errorResponse(err))
		return
	}
	activeSession := sess
	sessMu.Unlock()

	streaming := *appConfig.Streaming
	if v, ok := req["stream"].(bool); ok {
		streaming = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !setActiveStreamCancel(reqID, cancel) {
		respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
		return
	}
	// An interrupt can land after the entry check but before the cancel
	// func is registered; it sets the canceled flag with nothing to call.
	if wasStreamCanceled(reqID) {
		cancel()
	}

	log.Info("Starting exchange (model: %s, streaming: %v, request tokens: %d)",
		activeSession.Model.ID, streaming, llm.EstimateTokensSimple(request))

	sessMu.Lock()
	defer sessMu.Unlock()
	result, err := pipeline.Send(ctx, activeSession, request, streaming, func(chunk session.Chunk) {
		log.Stream("content", chunk.Content)
		respond(reqID, map[string]any{
			"type":    "chunk",
			"content": chunk.Content,
			"start":   chunk.Span.Start,
			"end":     chunk.Span.End,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			respond(reqID, map[string]any{"type": "interrupted"})
			return
		}
		respond(reqID, errorResponse(err))
		return
	}

	done := map[string]any{
		"type":        "done",
		"content":     result.Response,
		"decorations": result.Decorations,
	}
	if result.Clipped {
		done["clipped"] = true
		done["retained_turns"] = result.RetainedTurns
	}
	respond(reqID, done)
}

func handleExecuteBlock(reqID string, req map[string]any) {
	text, _ := req["text"].(string)
	point, ok := intField(req, "point")
	if !ok {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: point"})
		return
	}

	els := markdown.Scan(text)
	block, err := markdown.BlockAt(els, point)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	language := block.LanguageTag(text)
	action, found := resolver.Resolve(language)
	if !found {
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("No action available for language %q", language)})
		return
	}

	confirmed, _ := req["confirmed"].(bool)
	if action.ConfirmationPrompt != "" && !confirmed {
		respond(reqID, map[string]any{"type": "confirm", "prompt": action.ConfirmationPrompt})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), blockRunTimeout)
	defer cancel()
	result, err := action.Run(ctx, block.Body.Text(text))
	if err != nil {
		respond(reqID, map[string]any{"type": "error", "message": err.Error(), "output": result.Output})
		return
	}
	respond(reqID, map[string]any{"type": "ok", "output": result.Output, "file": result.FilePath})
}

func handleBlockNavigation(reqID string, req map[string]any, forward bool) {
	text, _ := req["text"].(string)
	point, ok := intField(req, "point")
	if !ok {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: point"})
		return
	}

	els := markdown.Scan(text)
	var block markdown.FencedBlock
	var err error
	if forward {
		block, err = markdown.NextBlock(els, point)
	} else {
		block, err = markdown.PreviousBlock(els, point)
	}
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	respond(reqID, map[string]any{
		"type":       "block",
		"start":      block.Span().Start,
		"end":        block.Span().End,
		"body_start": block.Body.Start,
		"body_end":   block.Body.End,
		"language":   block.LanguageTag(text),
	})
}

func handleRenameBlockLanguage(reqID string, req map[string]any) {
	text, _ := req["text"].(string)
	language, _ := req["language"].(string)
	point, ok := intField(req, "point")
	if !ok {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: point"})
		return
	}

	els := markdown.Scan(text)
	edit, err := markdown.RenameLanguageEdit(els, point, language)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{
		"type":        "edit",
		"start":       edit.Span.Start,
		"end":         edit.Span.End,
		"replacement": edit.Replacement,
	})
}

func handleViewExchange(reqID string, req map[string]any) {
	text, _ := req["text"].(string)
	point, ok := intField(req, "point")
	if !ok {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: point"})
		return
	}

	turn, index, err := session.ExchangeAt(text, point)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{
		"type":     "exchange",
		"index":    index,
		"request":  turn.Request,
		"response": turn.Response,
	})
}

func handleTranscriptSave(reqID string, req map[string]any) {
	if err := ensureStore(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	sessMu.Lock()
	if sess == nil || len(sess.History) == 0 {
		sessMu.Unlock()
		respond(reqID, map[string]any{"type": "error", "message": "No history to save"})
		return
	}
	content := session.SerializeTranscript(sess.History)
	model := sess.Model.ID
	sessMu.Unlock()

	name, _ := req["name"].(string)
	info, err := store.SaveTranscript(name, model, content)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "ok", "id": info.ID, "name": info.Name})
}

func handleTranscriptRestore(reqID string, req map[string]any) {
	var text string
	if id, ok := req["id"].(string); ok && id != "" {
		if err := ensureStore(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		loaded, err := store.LoadTranscript(id)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		text = loaded
	} else if path, ok := req["path"].(string); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		text = string(data)
	} else {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: id or path"})
		return
	}

	history, err := session.ParseTranscript(text)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	sessMu.Lock()
	defer sessMu.Unlock()
	if err := ensureSession(); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	sess.History = history
	respond(reqID, map[string]any{"type": "ok", "turns": len(history)})
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, config.ErrNoConfig):
		msg = "Config file not found: ~/.config/qwen-shell/config.json"
	case errors.Is(err, config.ErrNoAPIKey):
		msg = "API key not set in config or DASHSCOPE_API_KEY"
	case errors.Is(err, llm.ErrUnknownModel),
		errors.Is(err, llm.ErrNoModel),
		errors.Is(err, markdown.ErrNoBlockAtPoint),
		errors.Is(err, markdown.ErrNoMoreBlocks),
		errors.Is(err, markdown.ErrBadLanguageTag),
		errors.Is(err, session.ErrInvalidTranscript),
		errors.Is(err, session.ErrNoExchangeAtPoint):
		msg = err.Error()
	case errors.Is(err, state.ErrTranscriptNotFound):
		msg = "Transcript not found"
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Println(string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

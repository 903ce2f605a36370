// Package actions resolves a source block's language tag to an executable
// action: a caller-registered table first, then the host's babel-executor
// capability.
package actions

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// RunResult is what executing a block produced: captured output, or the
// path of a file the block generated.
type RunResult struct {
	Output   string `json:"output,omitempty"`
	FilePath string `json:"file,omitempty"`
}

// Action executes a source block's text. ConfirmationPrompt, when
// non-empty, is shown to the user before Run.
type Action struct {
	ConfirmationPrompt string
	Run                func(ctx context.Context, blockText string) (RunResult, error)
}

// ExecutorFunc runs a code string under the given header arguments.
type ExecutorFunc func(ctx context.Context, code string, headers map[string]string) (RunResult, error)

// ExecutorSource is the babel collaborator: given a normalized language,
// an optional executor for it.
type ExecutorSource interface {
	ExecutorFor(language string) (ExecutorFunc, bool)
}

// languageAliases folds common tag spellings onto the canonical language
// name used for registration and executor lookup.
var languageAliases = map[string]string{
	"elisp":  "emacs-lisp",
	"cpp":    "c++",
	"golang": "go",
	"js":     "javascript",
	"ts":     "typescript",
	"py":     "python",
	"rb":     "ruby",
	"sh":     "shell",
	"bash":   "shell",
	"zsh":    "shell",
}

// fileLanguages produce a file rather than textual output; their executor
// gets a temp-path header override so the result lands somewhere the
// front end can display.
var fileLanguages = map[string]string{
	"ditaa":    "png",
	"dot":      "png",
	"gnuplot":  "png",
	"plantuml": "png",
}

// NormalizeLanguage lowercases a tag and folds known aliases.
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if canonical, ok := languageAliases[tag]; ok {
		return canonical
	}
	return tag
}

// Resolver maps language tags to actions.
type Resolver struct {
	registered map[string]Action
	babel      ExecutorSource // may be nil
}

// NewResolver creates a resolver over an optional babel-executor source.
func NewResolver(babel ExecutorSource) *Resolver {
	return &Resolver{
		registered: make(map[string]Action),
		babel:      babel,
	}
}

// Register binds an action to a language. Registered actions take priority
// over babel executors.
func (r *Resolver) Register(language string, a Action) {
	r.registered[NormalizeLanguage(language)] = a
}

// Resolve returns the action for a language tag, or false when neither the
// registered table nor the babel source covers it. Callers must report the
// miss rather than fail silently.
func (r *Resolver) Resolve(language string) (Action, bool) {
	norm := NormalizeLanguage(language)
	if a, ok := r.registered[norm]; ok {
		return a, true
	}
	if r.babel == nil {
		return Action{}, false
	}
	exec, ok := r.babel.ExecutorFor(norm)
	if !ok {
		return Action{}, false
	}
	return Action{
		ConfirmationPrompt: fmt.Sprintf("Execute %s block?", norm),
		Run: func(ctx context.Context, blockText string) (RunResult, error) {
			headers, err := executorHeaders(norm)
			if err != nil {
				return RunResult{}, err
			}
			return exec(ctx, blockText, headers)
		},
	}, true
}

// executorHeaders builds the header overrides for a babel execution:
// file-producing languages are redirected to a fresh temp path.
func executorHeaders(language string) (map[string]string, error) {
	ext, ok := fileLanguages[language]
	if !ok {
		return map[string]string{"results": "output"}, nil
	}
	f, err := os.CreateTemp("", "qwen-shell-block-*."+ext)
	if err != nil {
		return nil, err
	}
	path := f.Name()
	f.Close()
	return map[string]string{"results": "file", "file": path}, nil
}

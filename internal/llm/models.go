package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrUnknownModel = errors.New("no token parameters known for model")
	ErrNoModel      = errors.New("no model at index")
)

// Model carries the per-model token parameters used by history windowing.
type Model struct {
	ID               string
	TokensPerMessage int
	MaxTokens        int
}

// namedModels maps exact model ids to token parameters. MaxTokens leaves
// headroom below the provider's context window for the reply.
var namedModels = map[string]Model{
	"qwen-turbo":           {ID: "qwen-turbo", TokensPerMessage: 4, MaxTokens: 5800},
	"qwen-plus":            {ID: "qwen-plus", TokensPerMessage: 4, MaxTokens: 29000},
	"qwen-max":             {ID: "qwen-max", TokensPerMessage: 4, MaxTokens: 5800},
	"qwen-max-longcontext": {ID: "qwen-max-longcontext", TokensPerMessage: 4, MaxTokens: 27000},
}

// prefixModels resolves dated or regional family variants
// (e.g. "qwen-max-0428") that have no exact table entry.
var prefixModels = []Model{
	{ID: "qwen-max-longcontext", TokensPerMessage: 4, MaxTokens: 27000},
	{ID: "qwen-turbo", TokensPerMessage: 4, MaxTokens: 5800},
	{ID: "qwen-plus", TokensPerMessage: 4, MaxTokens: 29000},
	{ID: "qwen-max", TokensPerMessage: 4, MaxTokens: 5800},
}

// paramTiers maps the parsed parameter count (billions) of open-weight
// chat models to token parameters.
var paramTiers = []struct {
	maxParams int
	model     Model
}{
	{7, Model{TokensPerMessage: 4, MaxTokens: 5800}},
	{14, Model{TokensPerMessage: 4, MaxTokens: 5800}},
	{72, Model{TokensPerMessage: 4, MaxTokens: 29000}},
}

var paramSegmentRe = regexp.MustCompile(`^(\d+)[bB]$`)

// ParseParamCount extracts a parameter count (in billions) from a model id
// like "qwen-14b-chat". It returns false when no segment encodes one.
func ParseParamCount(id string) (int, bool) {
	for _, seg := range strings.Split(id, "-") {
		if m := paramSegmentRe.FindStringSubmatch(seg); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return n, true
		}
	}
	return 0, false
}

// LookupModel resolves token parameters for a model id: exact table entry
// first, then family prefix, then the parameter count parsed from the id.
// An id that matches none of these is a configuration error, never a
// silent default.
func LookupModel(id string) (Model, error) {
	if m, ok := namedModels[id]; ok {
		return m, nil
	}
	for _, m := range prefixModels {
		if strings.HasPrefix(id, m.ID) {
			resolved := m
			resolved.ID = id
			return resolved, nil
		}
	}
	if params, ok := ParseParamCount(id); ok {
		for _, tier := range paramTiers {
			if params <= tier.maxParams {
				resolved := tier.model
				resolved.ID = id
				return resolved, nil
			}
		}
		// Larger than any tier: use the top tier.
		resolved := paramTiers[len(paramTiers)-1].model
		resolved.ID = id
		return resolved, nil
	}
	return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// Registry is the ordered set of models offered for cycling and selection.
type Registry struct {
	ids []string
}

// NewRegistry returns the default model registry, extended with any
// additional ids (appended in order, duplicates skipped).
func NewRegistry(extra ...string) *Registry {
	ids := []string{
		"qwen-turbo",
		"qwen-plus",
		"qwen-max",
		"qwen-max-longcontext",
		"qwen-7b-chat",
		"qwen-14b-chat",
		"qwen-72b-chat",
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range extra {
		if id == "" || seen[id] {
			continue
		}
		ids = append(ids, id)
		seen[id] = true
	}
	return &Registry{ids: ids}
}

// IDs returns the registry's model ids in order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// ByIndex resolves the model at a numeric index. Out-of-bounds indexes
// resolve to no model.
func (r *Registry) ByIndex(i int) (Model, error) {
	if i < 0 || i >= len(r.ids) {
		return Model{}, fmt.Errorf("%w: %d", ErrNoModel, i)
	}
	return LookupModel(r.ids[i])
}

// ByID resolves a model id through the token-parameter tables.
func (r *Registry) ByID(id string) (Model, error) {
	return LookupModel(id)
}

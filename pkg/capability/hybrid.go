package capability

import "github.com/mindburn-labs/aegis/pkg/twin"

// HybridIndex always prepends a configured always-include tool set
// (each at score 1.0) ahead of ordinary TF-IDF results, deduplicated
// and truncated to topK. Used to guarantee safety-relevant tools (e.g.
// an emergency-stop operation) are never crowded out of a short result
// list by unrelated high-scoring matches.
type HybridIndex struct {
	*Index
	alwaysInclude map[string]bool
}

// NewHybrid builds a HybridIndex over tools, always surfacing the named
// tools first on every search.
func NewHybrid(tools []twin.ToolSpec, alwaysInclude []string) *HybridIndex {
	set := make(map[string]bool, len(alwaysInclude))
	for _, name := range alwaysInclude {
		set[name] = true
	}
	return &HybridIndex{Index: NewWithTools(tools), alwaysInclude: set}
}

// Search returns the always-include tools first (score 1.0, in index
// order), followed by ordinary TF-IDF search results with any
// already-included tool filtered out, truncated to topK overall.
func (h *HybridIndex) Search(query string, topK int) []Hit {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var priority []Hit
	for _, t := range h.tools {
		if h.alwaysInclude[t.Name] {
			priority = append(priority, Hit{Tool: t, Score: 1.0})
		}
	}

	remaining := topK - len(priority)
	if remaining < 0 {
		remaining = 0
	}

	rest := h.searchLocked(query, remaining+len(priority))
	out := append([]Hit(nil), priority...)
	for _, hit := range rest {
		if h.alwaysInclude[hit.Tool.Name] {
			continue
		}
		if len(out) >= topK {
			break
		}
		out = append(out, hit)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Package capability implements the Capability Index: a TF-IDF search
// over the twin's discovered operations, used by the orchestrator to
// narrow the tool set offered to the language model on each turn.
package capability

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/mindburn-labs/aegis/pkg/twin"
)

// maxFeatures caps the vocabulary size, matching
// TfidfVectorizer(max_features=1000): only the top-N terms by
// corpus-wide document frequency are kept.
const maxFeatures = 1000

// Hit is one scored search result.
type Hit struct {
	Tool  twin.ToolSpec
	Score float64
}

// Index is a TF-IDF search index over a set of tool descriptors.
// Zero value is usable; Search returns nothing until SetTools/AddTools
// has been called at least once.
type Index struct {
	mu    sync.RWMutex
	tools []twin.ToolSpec
	vocab map[string]int   // term -> column index, restricted to maxFeatures
	idf   []float64        // per-vocab-column idf weight
	docs  [][]float64      // per-tool L2-normalized tf-idf vector, sparse as dense slices

	fitted bool
}

// New builds an empty Index.
func New() *Index { return &Index{} }

// NewWithTools builds an Index pre-populated with tools.
func NewWithTools(tools []twin.ToolSpec) *Index {
	idx := New()
	idx.SetTools(tools)
	return idx
}

// SetTools replaces the indexed tool set and rebuilds the TF-IDF model.
func (idx *Index) SetTools(tools []twin.ToolSpec) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tools = append([]twin.ToolSpec(nil), tools...)
	idx.reindexLocked()
}

// AddTools appends to the indexed tool set (tools with a name already
// present are replaced) and rebuilds the TF-IDF model.
func (idx *Index) AddTools(tools []twin.ToolSpec) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	byName := make(map[string]int, len(idx.tools))
	for i, t := range idx.tools {
		byName[t.Name] = i
	}
	for _, t := range tools {
		if i, ok := byName[t.Name]; ok {
			idx.tools[i] = t
		} else {
			idx.tools = append(idx.tools, t)
		}
	}
	idx.reindexLocked()
}

func corpusDocument(t twin.ToolSpec) string {
	var params []string
	if props, ok := t.InputSchema["properties"].(twin.JSONSchema); ok {
		for name := range props {
			params = append(params, name)
		}
	}
	sort.Strings(params)
	return t.Name + " " + t.Description + " " + strings.Join(params, " ")
}

// reindexLocked rebuilds vocab/idf/docs from idx.tools. Caller holds idx.mu.
func (idx *Index) reindexLocked() {
	n := len(idx.tools)
	if n == 0 {
		idx.vocab, idx.idf, idx.docs, idx.fitted = nil, nil, nil, false
		return
	}

	docTerms := make([][]string, n)
	docFreq := map[string]int{}
	for i, t := range idx.tools {
		terms := documentTerms(corpusDocument(t))
		docTerms[i] = terms
		seen := map[string]bool{}
		for _, term := range terms {
			if !seen[term] {
				docFreq[term]++
				seen[term] = true
			}
		}
	}

	type termCount struct {
		term string
		df   int
	}
	ranked := make([]termCount, 0, len(docFreq))
	for term, df := range docFreq {
		ranked = append(ranked, termCount{term, df})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].df != ranked[j].df {
			return ranked[i].df > ranked[j].df
		}
		return ranked[i].term < ranked[j].term
	})
	if len(ranked) > maxFeatures {
		ranked = ranked[:maxFeatures]
	}

	vocab := make(map[string]int, len(ranked))
	idf := make([]float64, len(ranked))
	for i, tc := range ranked {
		vocab[tc.term] = i
		// smooth idf, matching sklearn's default smooth_idf=True:
		// idf = ln((1+n)/(1+df)) + 1
		idf[i] = math.Log(float64(1+n)/float64(1+tc.df)) + 1
	}

	docs := make([][]float64, n)
	for i, terms := range docTerms {
		docs[i] = tfidfVector(terms, vocab, idf)
	}

	idx.vocab = vocab
	idx.idf = idf
	idx.docs = docs
	idx.fitted = true
}

// tfidfVector builds an L2-normalized tf-idf vector over vocab for one
// document's terms.
func tfidfVector(terms []string, vocab map[string]int, idf []float64) []float64 {
	vec := make([]float64, len(vocab))
	for _, term := range terms {
		if i, ok := vocab[term]; ok {
			vec[i]++
		}
	}
	for i := range vec {
		if vec[i] > 0 {
			vec[i] *= idf[i]
		}
	}
	normalize(vec)
	return vec
}

func normalize(vec []float64) {
	var sumSq float64
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return
	}
	norm := math.Sqrt(sumSq)
	for i := range vec {
		vec[i] /= norm
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Search returns the topK highest-scoring tools for query, ranked by
// cosine similarity (dot product of L2-normalized tf-idf vectors, as
// in the reference implementation), filtering out non-positive scores.
// Returns nil if the index has not been fitted or the query has no
// recognized terms.
func (idx *Index) Search(query string, topK int) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.searchLocked(query, topK)
}

func (idx *Index) searchLocked(query string, topK int) []Hit {
	if !idx.fitted || topK <= 0 {
		return nil
	}
	qTerms := documentTerms(query)
	qVec := tfidfVector(qTerms, idx.vocab, idx.idf)

	var anyTerm bool
	for _, v := range qVec {
		if v != 0 {
			anyTerm = true
			break
		}
	}
	if !anyTerm {
		return nil
	}

	hits := make([]Hit, 0, len(idx.tools))
	for i, doc := range idx.docs {
		score := dot(doc, qVec)
		if score > 0 {
			hits = append(hits, Hit{Tool: idx.tools[i], Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Tool.Name < hits[j].Tool.Name
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// GetByName returns the tool with the given name.
func (idx *Index) GetByName(name string) (twin.ToolSpec, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, t := range idx.tools {
		if t.Name == name {
			return t, true
		}
	}
	return twin.ToolSpec{}, false
}

// All returns every indexed tool.
func (idx *Index) All() []twin.ToolSpec {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]twin.ToolSpec(nil), idx.tools...)
}

// Count reports the number of indexed tools.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.tools)
}

// ByRisk returns every indexed tool at exactly the given risk level.
func (idx *Index) ByRisk(risk twin.RiskLevel) []twin.ToolSpec {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []twin.ToolSpec
	for _, t := range idx.tools {
		if t.RiskLevel == risk {
			out = append(out, t)
		}
	}
	return out
}

// ForSubmodel returns every indexed tool belonging to submodelID.
func (idx *Index) ForSubmodel(submodelID string) []twin.ToolSpec {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []twin.ToolSpec
	for _, t := range idx.tools {
		if t.SubmodelID == submodelID {
			out = append(out, t)
		}
	}
	return out
}

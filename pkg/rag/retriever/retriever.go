// Package retriever answers filtered nearest-neighbour queries over a static store
// of precomputed chunk embeddings (index.npy + meta.jsonl + images/).
package retriever

import (
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jake-jlawson/dashtech/pkg/embedding"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const normEpsilon = 1e-8

var tracer = otel.Tracer("dashtech/rag/retriever")

// Filter restricts a search. Empty fields impose no constraint; set fields are ANDed.
// Matching is case-insensitive.
type Filter struct {
	Namespaces []string
	Systems    []string
	Types      []string
}

type ResultMeta struct {
	Namespace    string   `json:"namespace"`
	Systems      []string `json:"systems"`
	DocTitle     string   `json:"doc_title,omitempty"`
	SectionTitle string   `json:"section_title,omitempty"`
	TocPath      []string `json:"toc_path,omitempty"`
	Source       string   `json:"source,omitempty"`
	Page         *int     `json:"page,omitempty"`
	PageStart    *int     `json:"page_start,omitempty"`
	PageEnd      *int     `json:"page_end,omitempty"`
	Filename     string   `json:"filename,omitempty"`
}

type Result struct {
	ID           string     `json:"id,omitempty"`
	Score        float64    `json:"score"`
	Type         string     `json:"type"`
	Text         string     `json:"text"`
	ImagePath    string     `json:"image_path,omitempty"`
	LinkedImages []string   `json:"linked_images,omitempty"`
	Meta         ResultMeta `json:"meta"`
}

type Retriever struct {
	storeDir string
	embedder embedding.EmbeddingProvider

	mu     sync.Mutex
	loaded bool
	vecs   Matrix // rows already L2-normalized
	meta   []Chunk
}

func New(storeDir string, embedder embedding.EmbeddingProvider) *Retriever {
	return &Retriever{storeDir: storeDir, embedder: embedder}
}

// NewFromData builds a retriever over in-memory vectors; rows are normalized here.
func NewFromData(storeDir string, vecs Matrix, meta []Chunk, embedder embedding.EmbeddingProvider) (*Retriever, error) {
	if len(meta) != vecs.Rows {
		return nil, fmt.Errorf("%w: meta=%d vs vecs=%d", ErrStoreCorrupted, len(meta), vecs.Rows)
	}
	r := New(storeDir, embedder)
	r.install(vecs, meta)
	return r, nil
}

// Load reads the store if it has not been read yet. A failed load leaves the
// retriever empty, and the next call tries again.
func (r *Retriever) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	vecs, meta, err := LoadStore(r.storeDir)
	if err != nil {
		return err
	}
	r.installLocked(vecs, meta)
	return nil
}

// Len is the number of chunks in the store (0 before Load).
func (r *Retriever) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.meta)
}

func (r *Retriever) install(vecs Matrix, meta []Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installLocked(vecs, meta)
}

func (r *Retriever) installLocked(vecs Matrix, meta []Chunk) {
	normalized := Matrix{Rows: vecs.Rows, Dim: vecs.Dim, Data: make([]float32, len(vecs.Data))}
	for i := 0; i < vecs.Rows; i++ {
		copy(normalized.Row(i), embedding.NormalizeVector(vecs.Row(i), normEpsilon))
	}
	r.vecs = normalized
	r.meta = meta
	r.loaded = true
}

// Search returns at most k chunks ordered by descending cosine similarity to query.
func (r *Retriever) Search(ctx context.Context, query string, k int, filter Filter) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retriever.Search")
	defer span.End()

	if err := r.Load(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if k <= 0 {
		return []Result{}, nil
	}

	r.mu.Lock()
	vecs, meta := r.vecs, r.meta
	r.mu.Unlock()

	candidates := buildMask(meta, filter)
	span.SetAttributes(attribute.Int("rag.k", k), attribute.Int("rag.candidates", len(candidates)))
	if len(candidates) == 0 {
		return []Result{}, nil
	}

	resp, err := r.embedder.Generate(ctx, query, embedding.TaskRetrievalQuery)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q := embedding.NormalizeVector(resp.Embedding.Values, normEpsilon)
	if len(q) != vecs.Dim {
		return nil, fmt.Errorf("query embedding has %d dims, store has %d", len(q), vecs.Dim)
	}

	top := topK(candidates, k, func(i int) float32 { return dot(vecs.Row(i), q) })

	results := make([]Result, 0, len(top))
	for _, s := range top {
		results = append(results, r.toResult(meta[s.idx], s.score))
	}
	return results, nil
}

func (r *Retriever) toResult(m Chunk, score float32) Result {
	res := Result{
		ID:    m.ID,
		Score: float64(score),
		Type:  m.typeOrDefault(),
		Text:  m.Text,
		Meta: ResultMeta{
			Namespace:    m.Namespace,
			Systems:      m.Systems,
			DocTitle:     m.DocTitle,
			SectionTitle: m.SectionTitle,
			TocPath:      m.TocPath,
			Source:       m.Source,
			Page:         m.Page,
			PageStart:    m.PageStart,
			PageEnd:      m.PageEnd,
			Filename:     m.Filename,
		},
	}
	if m.Type == "image" {
		p := filepath.Join(r.storeDir, m.ImagePath)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		res.ImagePath = p
	} else {
		res.LinkedImages = m.Images
		if res.LinkedImages == nil {
			res.LinkedImages = []string{}
		}
	}
	return res
}

// buildMask returns the indices of chunks passing every set filter.
func buildMask(meta []Chunk, f Filter) []int {
	ns := lowerSet(f.Namespaces)
	sys := lowerSet(f.Systems)
	types := lowerSet(f.Types)

	out := make([]int, 0, len(meta))
	for i, m := range meta {
		if ns != nil {
			if _, ok := ns[strings.ToLower(m.namespaceOrDefault())]; !ok {
				continue
			}
		}
		if sys != nil && !intersects(sys, m.Systems) {
			continue
		}
		if types != nil {
			if _, ok := types[strings.ToLower(m.typeOrDefault())]; !ok {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

func lowerSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

func intersects(set map[string]struct{}, values []string) bool {
	for _, v := range values {
		if _, ok := set[strings.ToLower(v)]; ok {
			return true
		}
	}
	return false
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

type scored struct {
	idx   int
	score float32
}

// minHeap keeps the current best k with the weakest at the root.
type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK selects the k best candidates with a bounded heap, then sorts only those.
func topK(candidates []int, k int, score func(int) float32) []scored {
	if k > len(candidates) {
		k = len(candidates)
	}
	h := make(minHeap, 0, k)
	for _, idx := range candidates {
		s := score(idx)
		if h.Len() < k {
			heap.Push(&h, scored{idx: idx, score: s})
			continue
		}
		if s > h[0].score {
			h[0] = scored{idx: idx, score: s}
			heap.Fix(&h, 0)
		}
	}
	out := []scored(h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].score == out[j].score {
			return out[i].idx < out[j].idx
		}
		return out[i].score > out[j].score
	})
	return out
}

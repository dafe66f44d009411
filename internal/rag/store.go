// Package rag implements two retrieval-augmented-generation
// collaborators: an in-memory lexical store (this file) and a durable
// SQLite-backed Context DB (contextdb.go). Both implement
// engine.Retriever. Retrieval is lexical only; there is no embedding
// pipeline.
package rag

import (
	"encoding/json"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zookeeper-run/zoo/internal/engine"
)

var termPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases and splits on non-alphanumeric runs, shared by the
// in-memory store and the Context DB's LIKE fallback so retrieval scoring
// is consistent across both collaborators.
func tokenize(text string) []string {
	return termPattern.FindAllString(strings.ToLower(text), -1)
}

// chunk is one indexed unit of text.
type chunk struct {
	ID      string
	Content string
	Source  string
	terms   map[string]int
}

// Store is an in-memory lexical index over chunks, scored with a
// cosine-like term-overlap measure.
type Store struct {
	mu      sync.RWMutex
	chunks  []chunk
	byID    map[string]int
	inverted map[string][]int // term -> chunk indices
}

// NewStore constructs an empty in-memory lexical store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[string]int),
		inverted: make(map[string][]int),
	}
}

// AddDocument slices text into chunkSize-character pieces with overlap
// characters of overlap between consecutive chunks, indexing each under
// sourceID.
func (s *Store) AddDocument(sourceID, text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 800
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	var ids []string
	for start := 0; start < len(text); {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		piece := text[start:end]
		id := uuid.NewString()
		s.addChunk(chunk{ID: id, Content: piece, Source: sourceID})
		ids = append(ids, id)

		if end == len(text) {
			break
		}
		start = end - overlap
	}
	return ids
}

// AddChunk indexes a single pre-formed chunk, returning its assigned id if
// one was not supplied.
func (s *Store) AddChunk(id, content, source string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.addChunk(chunk{ID: id, Content: content, Source: source})
	return id
}

func (s *Store) addChunk(c chunk) {
	terms := tokenize(c.Content)
	c.terms = make(map[string]int, len(terms))
	for _, t := range terms {
		c.terms[t]++
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.chunks)
	s.chunks = append(s.chunks, c)
	s.byID[c.ID] = idx
	for t := range c.terms {
		s.inverted[t] = append(s.inverted[t], idx)
	}
}

// Retrieve implements engine.Retriever: score = overlap / sqrt(|Q| *
// max(1, |chunk_terms|)), ties broken by chunk index (stable).
func (s *Store) Retrieve(query engine.RetrievalQuery) ([]engine.RagChunk, error) {
	qterms := tokenize(query.Text)
	if len(qterms) == 0 {
		return nil, nil
	}
	qset := make(map[string]struct{}, len(qterms))
	for _, t := range qterms {
		qset[t] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int]int) // chunk index -> overlap count
	for t := range qset {
		for _, idx := range s.inverted[t] {
			seen[idx]++
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	results := make([]scored, 0, len(seen))
	for idx, overlap := range seen {
		c := s.chunks[idx]
		denom := math.Sqrt(float64(len(qset)) * math.Max(1, float64(len(c.terms))))
		score := float64(overlap) / denom
		results = append(results, scored{idx: idx, score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].idx < results[j].idx
	})

	topK := query.TopK
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}

	out := make([]engine.RagChunk, 0, topK)
	for _, r := range results[:topK] {
		c := s.chunks[r.idx]
		out = append(out, engine.RagChunk{ID: c.ID, Content: c.Content, Score: r.score, Source: c.Source})
	}
	return out, nil
}

// persistedChunk is the JSON-on-disk shape of one indexed chunk.
type persistedChunk struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

type persistedStore struct {
	Chunks []persistedChunk `json:"chunks"`
}

// SaveJSON persists the store to path as {"chunks":[{"id","content","source"}...]}.
func (s *Store) SaveJSON(path string) error {
	s.mu.RLock()
	out := persistedStore{Chunks: make([]persistedChunk, 0, len(s.chunks))}
	for _, c := range s.chunks {
		out.Chunks = append(out.Chunks, persistedChunk{ID: c.ID, Content: c.Content, Source: c.Source})
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadJSON replaces the store's contents with the chunks persisted at path.
func (s *Store) LoadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var in persistedStore
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	s.mu.Lock()
	s.chunks = nil
	s.byID = make(map[string]int)
	s.inverted = make(map[string][]int)
	s.mu.Unlock()

	for _, c := range in.Chunks {
		s.addChunk(chunk{ID: c.ID, Content: c.Content, Source: c.Source})
	}
	return nil
}

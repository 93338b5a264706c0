package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeFactStore records writes and serves canned results.
type fakeFactStore struct {
	mu         sync.Mutex
	facts      []Fact
	inserted   []string
	superseded [][2]string
	nearest    *Fact
	searchErr  error
	insertErr  error
}

func (f *fakeFactStore) Insert(ctx context.Context, chatID, content string, embedding []float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, content)
	return fmt.Sprintf("fact-%d", len(f.inserted)), nil
}

func (f *fakeFactStore) Supersede(ctx context.Context, old, newID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, [2]string{old, newID})
	return nil
}

func (f *fakeFactStore) Search(ctx context.Context, chatID string, queryEmbedding []float32, limit int) ([]Fact, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.facts, nil
}

func (f *fakeFactStore) Nearest(ctx context.Context, chatID string, embedding []float32) (*Fact, error) {
	return f.nearest, nil
}

func (f *fakeFactStore) Stats(ctx context.Context, chatID string) (int, error) {
	return len(f.facts), nil
}

func (f *fakeFactStore) Close() {}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeExtractor struct {
	facts []string
	err   error
}

func (f *fakeExtractor) Extract(ctx context.Context, userText, assistantText string) ([]string, error) {
	return f.facts, f.err
}

func TestRetrieveReturnsFactContents(t *testing.T) {
	st := &fakeFactStore{facts: []Fact{
		{ID: "a", Content: "prefers metric units"},
		{ID: "b", Content: "lives in Berlin"},
	}}
	b := &Bridge{store: st, embed: &fakeEmbedder{}}

	got := b.Retrieve(context.Background(), "42", "where does the user live", 5)
	if len(got) != 2 || got[0] != "prefers metric units" || got[1] != "lives in Berlin" {
		t.Errorf("Retrieve = %v", got)
	}
}

func TestRetrieveDegradesOnEmbedFailure(t *testing.T) {
	st := &fakeFactStore{facts: []Fact{{Content: "should not surface"}}}
	b := &Bridge{store: st, embed: &fakeEmbedder{err: errors.New("tei down")}}

	if got := b.Retrieve(context.Background(), "42", "query", 5); got != nil {
		t.Errorf("Retrieve = %v, want nil on embed failure", got)
	}
}

func TestRetrieveDegradesOnSearchFailure(t *testing.T) {
	st := &fakeFactStore{searchErr: errors.New("pg down")}
	b := &Bridge{store: st, embed: &fakeEmbedder{}}

	if got := b.Retrieve(context.Background(), "42", "query", 5); got != nil {
		t.Errorf("Retrieve = %v, want nil on search failure", got)
	}
}

func TestCaptureStoresExtractedFacts(t *testing.T) {
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		facts: []string{"works on a Go daemon", "prefers terse replies"},
	}}

	b.Capture(context.Background(), "42", "some question", "some answer")

	if len(st.inserted) != 2 {
		t.Fatalf("inserted = %v, want 2 facts", st.inserted)
	}
	if st.inserted[0] != "works on a Go daemon" {
		t.Errorf("inserted[0] = %q", st.inserted[0])
	}
	if len(st.superseded) != 0 {
		t.Errorf("superseded = %v, want none without a near duplicate", st.superseded)
	}
}

func TestCaptureNeverStoresRawSecrets(t *testing.T) {
	secret := "sk-abc123def456ghi789jkl"
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		facts: []string{"user keeps " + secret + " in their shell env"},
	}}

	b.Capture(context.Background(), "42", "q", "a")

	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %v, want 1 redacted fact", st.inserted)
	}
	if strings.Contains(st.inserted[0], secret) {
		t.Errorf("raw secret reached the store: %q", st.inserted[0])
	}
	if !strings.Contains(st.inserted[0], "[REDACTED]") {
		t.Errorf("inserted fact not redacted: %q", st.inserted[0])
	}
}

func TestCaptureSupersedesNearDuplicate(t *testing.T) {
	st := &fakeFactStore{nearest: &Fact{ID: "old", Content: "lives in Berlin", Distance: 0.03}}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		facts: []string{"user lives in Berlin"},
	}}

	b.Capture(context.Background(), "42", "q", "a")

	if len(st.superseded) != 1 {
		t.Fatalf("superseded = %v, want the near-duplicate replaced", st.superseded)
	}
	if st.superseded[0][0] != "old" || st.superseded[0][1] != "fact-1" {
		t.Errorf("superseded = %v", st.superseded[0])
	}
}

func TestCaptureKeepsDistinctFacts(t *testing.T) {
	st := &fakeFactStore{nearest: &Fact{ID: "old", Distance: 0.6}}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		facts: []string{"an unrelated new fact"},
	}}

	b.Capture(context.Background(), "42", "q", "a")

	if len(st.inserted) != 1 {
		t.Fatalf("inserted = %v, want 1", st.inserted)
	}
	if len(st.superseded) != 0 {
		t.Errorf("superseded = %v, want none for a distant neighbor", st.superseded)
	}
}

func TestCaptureFallsBackWithoutExtractor(t *testing.T) {
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{}}

	b.Capture(context.Background(), "42", "remember I use spaces not tabs", "noted")

	if len(st.inserted) != 1 || st.inserted[0] != "remember I use spaces not tabs" {
		t.Errorf("inserted = %v, want the raw user text", st.inserted)
	}
}

func TestCaptureFallsBackOnExtractorFailure(t *testing.T) {
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		err: errors.New("model unavailable"),
	}}

	b.Capture(context.Background(), "42", "the user text", "a")

	if len(st.inserted) != 1 || st.inserted[0] != "the user text" {
		t.Errorf("inserted = %v, want the fallback fact", st.inserted)
	}
}

func TestCaptureSkipsEmptyFacts(t *testing.T) {
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{}, extractor: &fakeExtractor{
		facts: []string{""},
	}}

	b.Capture(context.Background(), "42", "q", "a")

	if len(st.inserted) != 0 {
		t.Errorf("inserted = %v, want nothing for an empty fact", st.inserted)
	}
}

func TestCaptureDegradesOnEmbedFailure(t *testing.T) {
	st := &fakeFactStore{}
	b := &Bridge{store: st, embed: &fakeEmbedder{err: errors.New("tei down")}, extractor: &fakeExtractor{
		facts: []string{"a fact"},
	}}

	b.Capture(context.Background(), "42", "q", "a")

	if len(st.inserted) != 0 {
		t.Errorf("inserted = %v, want nothing when embedding fails", st.inserted)
	}
}

package memory

import (
	"context"
	"log/slog"
	"time"
)

// nearDuplicateDistance is the cosine distance under which a new fact
// is treated as a restatement of an existing one and supersedes it.
const nearDuplicateDistance = 0.1

// factStore is the slice of Store the bridge drives.
type factStore interface {
	Insert(ctx context.Context, chatID, content string, embedding []float32) (string, error)
	Supersede(ctx context.Context, old, newID string) error
	Search(ctx context.Context, chatID string, queryEmbedding []float32, limit int) ([]Fact, error)
	Nearest(ctx context.Context, chatID string, embedding []float32) (*Fact, error)
	Stats(ctx context.Context, chatID string) (int, error)
	Close()
}

// embedder is the slice of EmbedClient the bridge drives.
type embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// factExtractor distills an exchange into fact statements.
type factExtractor interface {
	Extract(ctx context.Context, userText, assistantText string) ([]string, error)
}

// Bridge ties the extractor, embedder, and fact store into the two
// operations the daemon needs: retrieval before a request and capture
// after one. Both degrade instead of failing the exchange.
type Bridge struct {
	store     factStore
	embed     embedder
	extractor factExtractor
}

// NewBridge wires the memory pipeline. extractor may be nil, in which
// case capture falls back to storing the redacted user text directly.
func NewBridge(store *Store, embed *EmbedClient, extractor *Extractor) *Bridge {
	b := &Bridge{store: store, embed: embed}
	if extractor != nil {
		b.extractor = extractor
	}
	return b
}

// Retrieve returns up to limit facts relevant to query for this
// conversation. Failures degrade to an empty result: a memory outage
// costs context quality, never the reply.
func (b *Bridge) Retrieve(ctx context.Context, chatID, query string, limit int) []string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	vec, err := b.embed.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("memory retrieval degraded", "stage", "embed", "error", err)
		return nil
	}
	facts, err := b.store.Search(ctx, chatID, vec, limit)
	if err != nil {
		slog.Warn("memory retrieval degraded", "stage", "search", "error", err)
		return nil
	}
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Content)
	}
	return out
}

// Capture distills an exchange into facts and stores them. Intended to
// run after the reply has been sent; errors are logged, never returned.
// Facts that still look secret-shaped after redaction are dropped.
func (b *Bridge) Capture(ctx context.Context, chatID, userText, assistantText string) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var facts []string
	if b.extractor != nil {
		extracted, err := b.extractor.Extract(ctx, userText, assistantText)
		if err != nil {
			slog.Warn("fact extraction failed, storing raw text", "error", err)
			facts = []string{Fallback(userText)}
		} else {
			facts = extracted
		}
	} else {
		facts = []string{Fallback(userText)}
	}

	stored := 0
	for _, fact := range facts {
		clean, err := Sanitize(fact)
		if err != nil {
			slog.Warn("dropping secret-shaped fact", "chat", chatID)
			continue
		}
		if clean == "" {
			continue
		}

		vec, err := b.embed.EmbedDocument(ctx, clean)
		if err != nil {
			slog.Warn("memory capture degraded", "stage", "embed", "error", err)
			return
		}

		// A near-identical existing fact gets superseded rather than
		// duplicated, so repeated statements converge to one row.
		nearest, err := b.store.Nearest(ctx, chatID, vec)
		if err != nil {
			slog.Warn("memory capture degraded", "stage", "nearest", "error", err)
			return
		}

		id, err := b.store.Insert(ctx, chatID, clean, vec)
		if err != nil {
			slog.Warn("memory capture degraded", "stage", "insert", "error", err)
			return
		}
		if nearest != nil && nearest.Distance < nearDuplicateDistance {
			if err := b.store.Supersede(ctx, nearest.ID, id); err != nil {
				slog.Warn("supersede failed", "old", nearest.ID, "new", id, "error", err)
			}
		}
		stored++
	}

	if stored > 0 {
		slog.Debug("memory captured", "chat", chatID, "facts", stored)
	}
}

// Stats returns the live fact count for a conversation.
func (b *Bridge) Stats(ctx context.Context, chatID string) (int, error) {
	return b.store.Stats(ctx, chatID)
}

// Close releases the underlying store.
func (b *Bridge) Close() {
	b.store.Close()
}

package geo

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// stubBackend returns canned matches per query prefix and counts calls.
type stubBackend struct {
	name    string
	matches map[string][]Match
	err     error
	block   bool

	mu    sync.Mutex
	calls []string
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	b.mu.Lock()
	b.calls = append(b.calls, query)
	b.mu.Unlock()
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	for prefix, ms := range b.matches {
		if strings.HasPrefix(query, prefix) {
			return ms, nil
		}
	}
	return nil, nil
}

func (b *stubBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// mapEmbedder returns fixed vectors per text.
type mapEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vecs[text]; ok {
		return v, nil
	}
	return nil, errors.New("no vector for " + text)
}

func (e *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *mapEmbedder) Dimensions() int { return 3 }

type recordingPermits struct {
	mu        sync.Mutex
	endpoints []string
	err       error
}

func (p *recordingPermits) Acquire(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = append(p.endpoints, endpoint)
	return p.err
}

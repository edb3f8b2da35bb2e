// Package mock provides a scripted test double for embeddings.Provider.
//
// Configure the fields before use:
//
//	p := &mock.Provider{Script: [][]float32{{1, 0}, {0, 1}}, Dim: 2}
//	vec, _ := p.Embed(ctx, "hello")   // {1, 0}
//	vec, _ = p.Embed(ctx, "again")    // {0, 1}; later calls replay the last
package mock

import (
	"context"
	"sync"

	"github.com/loquilabs/loqui/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records one embedded text.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// Provider is a scripted embeddings.Provider. Configure the exported fields
// before handing it out; the methods are safe for concurrent use.
type Provider struct {
	mu   sync.Mutex
	next int

	// Script holds the vectors to hand out, one per embedded text in call
	// order. Texts beyond the script replay the last entry; an empty script
	// yields zero vectors of Dim length.
	Script [][]float32

	// Err, when set, fails every Embed and EmbedBatch call.
	Err error

	// Dim is returned by Dimensions. Zero falls back to the length of the
	// script's first vector.
	Dim int

	// Model is returned by ModelID. Empty means "mock-embed".
	Model string

	// Calls records every embedded text in order, batch entries included.
	Calls []EmbedCall
}

// Embed returns the next scripted vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, EmbedCall{Ctx: ctx, Text: text})
	if p.Err != nil {
		return nil, p.Err
	}
	return p.nextVec(), nil
}

// EmbedBatch returns one scripted vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range texts {
		p.Calls = append(p.Calls, EmbedCall{Ctx: ctx, Text: t})
	}
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.nextVec()
	}
	return out, nil
}

// Dimensions returns Dim, or the first scripted vector's length.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Dim != 0 {
		return p.Dim
	}
	if len(p.Script) > 0 {
		return len(p.Script[0])
	}
	return 0
}

// ModelID returns Model, or "mock-embed".
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// CallCount reports how many texts have been embedded.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// nextVec must be called with mu held.
func (p *Provider) nextVec() []float32 {
	if len(p.Script) == 0 {
		return make([]float32, p.Dim)
	}
	i := p.next
	if i >= len(p.Script) {
		i = len(p.Script) - 1
	}
	p.next++
	vec := make([]float32, len(p.Script[i]))
	copy(vec, p.Script[i])
	return vec
}

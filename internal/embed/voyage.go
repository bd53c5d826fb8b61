package embed

import (
	"context"
	"fmt"

	"github.com/austinfhunter/voyageai"
)

// Voyage defaults. voyage-3.5-lite supports 256/512/1024/2048 output sizes.
const (
	DefaultVoyageModel      = "voyage-3.5-lite"
	DefaultVoyageDimensions = 1024
)

// VoyageInputType tells Voyage whether the text is a search query or an
// indexed document.
type VoyageInputType string

const (
	VoyageQuery    VoyageInputType = "query"
	VoyageDocument VoyageInputType = "document"
)

type voyageEmbedFunc func(texts []string, model string, opts *voyageai.EmbeddingRequestOpts) ([]voyageai.EmbeddingObject, error)

// VoyageEmbedder implements Embedder with the Voyage AI SDK.
type VoyageEmbedder struct {
	embed     voyageEmbedFunc
	model     string
	dims      int
	inputType VoyageInputType
}

// NewVoyageEmbedder creates a query-side Voyage embedder.
func NewVoyageEmbedder(apiKey, model string, dims int) *VoyageEmbedder {
	client := voyageai.NewClient(&voyageai.VoyageClientOpts{Key: apiKey})
	return newVoyageEmbedder(func(texts []string, model string, opts *voyageai.EmbeddingRequestOpts) ([]voyageai.EmbeddingObject, error) {
		resp, err := client.Embed(texts, model, opts)
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	}, model, dims)
}

func newVoyageEmbedder(fn voyageEmbedFunc, model string, dims int) *VoyageEmbedder {
	if model == "" {
		model = DefaultVoyageModel
	}
	if dims <= 0 {
		dims = DefaultVoyageDimensions
	}
	return &VoyageEmbedder{embed: fn, model: model, dims: dims, inputType: VoyageQuery}
}

// WithInputType returns a copy embedding texts as the given input type.
func (v *VoyageEmbedder) WithInputType(t VoyageInputType) *VoyageEmbedder {
	cp := *v
	cp.inputType = t
	return &cp
}

// Embed generates an embedding vector for a single text.
func (v *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := v.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("voyage: expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one SDK call. The SDK takes no context, so
// cancellation is only observed before the call.
func (v *VoyageEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := v.dims
	inputType := string(v.inputType)
	data, err := v.embed(texts, v.model, &voyageai.EmbeddingRequestOpts{
		InputType:       &inputType,
		OutputDimension: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("voyage: could not get embeddings: %w", err)
	}
	if len(data) != len(texts) {
		return nil, fmt.Errorf("voyage: expected %d embeddings, got %d", len(texts), len(data))
	}
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the requested output size.
func (v *VoyageEmbedder) Dimensions() int { return v.dims }

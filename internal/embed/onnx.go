package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates a sentence-transformer exported to ONNX.
type ONNXConfig struct {
	ModelDir      string // holds model.onnx and tokenizer.json unless overridden
	ModelPath     string
	TokenizerPath string
	LibraryPath   string // onnxruntime shared library; ONNXRUNTIME_LIB when empty
	OutputName    string // defaults to last_hidden_state
	MaxTokens     int    // defaults to 128
}

func (c ONNXConfig) withDefaults() ONNXConfig {
	if c.ModelPath == "" {
		c.ModelPath = filepath.Join(c.ModelDir, "model.onnx")
	}
	if c.TokenizerPath == "" {
		c.TokenizerPath = filepath.Join(c.ModelDir, "tokenizer.json")
	}
	if c.LibraryPath == "" {
		c.LibraryPath = os.Getenv("ONNXRUNTIME_LIB")
	}
	if c.OutputName == "" {
		c.OutputName = "last_hidden_state"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 128
	}
	return c
}

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime loads the onnxruntime library once per process.
func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXEmbedder runs a local multilingual sentence-transformer. Output vectors
// are mean-pooled over the attention mask and L2-normalized.
type ONNXEmbedder struct {
	cfg     ONNXConfig
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	dims    atomic.Int64

	mu sync.Mutex // onnxruntime sessions are not safe for concurrent Run
}

// NewONNXEmbedder loads the tokenizer and model.
func NewONNXEmbedder(cfg ONNXConfig) (*ONNXEmbedder, error) {
	cfg = cfg.withDefaults()
	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer %s: %w", cfg.TokenizerPath, err)
	}
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", cfg.ModelPath, err)
	}
	return &ONNXEmbedder{cfg: cfg, tk: tk, session: session}, nil
}

// Close releases the model session.
func (e *ONNXEmbedder) Close() error {
	return e.session.Destroy()
}

// Embed generates an embedding vector for a single text.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enc, err := e.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}
	ids, mask, types := truncateEncoding(enc.Ids, enc.AttentionMask, enc.TypeIds, e.cfg.MaxTokens)
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty text")
	}

	shape := ort.NewShape(1, int64(len(ids)))
	idsT, err := ort.NewTensor(shape, toInt64(ids))
	if err != nil {
		return nil, err
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, toInt64(mask))
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, toInt64(types))
	if err != nil {
		return nil, err
	}
	defer typesT.Destroy()

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsT, maskT, typesT}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}
	defer outputs[0].Destroy()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", outputs[0])
	}
	dims := hidden.GetShape()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	vec := meanPool(hidden.GetData(), mask, int(dims[2]))
	e.dims.Store(int64(len(vec)))
	return vec, nil
}

// EmbedBatch embeds texts one at a time. Blank texts map to nil vectors.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "" {
			continue
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector size seen so far, or 0 before the first call.
func (e *ONNXEmbedder) Dimensions() int { return int(e.dims.Load()) }

func truncateEncoding(ids, mask, types []int, limit int) ([]int, []int, []int) {
	if len(ids) > limit {
		ids, mask = ids[:limit], mask[:limit]
		if len(types) > limit {
			types = types[:limit]
		}
	}
	if len(types) != len(ids) {
		types = make([]int, len(ids))
	}
	return ids, mask, types
}

func toInt64(xs []int) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}

// meanPool averages token vectors (seq x hidden, row-major) where mask is
// set, then L2-normalizes.
func meanPool(hidden []float32, mask []int, width int) []float32 {
	out := make([]float32, width)
	if width == 0 {
		return out
	}
	var n float32
	for t, m := range mask {
		if m == 0 || (t+1)*width > len(hidden) {
			continue
		}
		row := hidden[t*width : (t+1)*width]
		for j, v := range row {
			out[j] += v
		}
		n++
	}
	if n == 0 {
		return out
	}
	var norm float64
	for j := range out {
		out[j] /= n
		norm += float64(out[j]) * float64(out[j])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for j := range out {
			out[j] *= inv
		}
	}
	return out
}

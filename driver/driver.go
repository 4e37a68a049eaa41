// Package driver runs the prefill + autoregressive decode loop for one
// request against a loaded model: it owns the request's KV cache and
// position cursor, streams generated tokens back through a callback, and
// terminates on max-tokens, end-of-sequence, or caller cancellation.
package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/container"
	"github.com/llmlocal/engine/engine"
	"github.com/llmlocal/engine/gpu"
	"github.com/llmlocal/engine/sampler"
	"github.com/llmlocal/engine/tokenizer"
)

// ForwardFunc runs one position's forward pass for a specific bound model
// type and returns the hidden state immediately before the output
// projection. BuildModel picks the engine forward pass matching the bound
// config model type; the driver is agnostic to which architecture it's
// driving.
type ForwardFunc func(ctx context.Context, tokenEmbedding []float32, state *engine.State) ([]float32, error)

// Model bundles everything a request needs to run: the tokenizer, the
// token-embedding lookup, the per-architecture forward function, the
// output projection, and the KV cache shape it should allocate.
type Model struct {
	Tokenizer       tokenizer.Tokenizer
	EmbedToken      func(tokenID int32) []float32
	Forward         ForwardFunc
	Output          func(ctx context.Context, hidden []float32) ([]float32, error)
	LayerCount      int
	HeadCountKV     int
	HeadDim         int
	MaxContextLen   int
}

// Info describes a loaded model for introspection callers (e.g. a status
// endpoint or CLI banner).
type Info struct {
	Architecture string
	ContextLen   int
	VocabSize    int
}

// Request is one generation request's parameters.
type Request struct {
	Prompt        string
	MaxTokens     int
	SamplerParams sampler.Params
}

// TokenCallback is invoked once per generated token; returning false
// cancels generation after this token.
type TokenCallback func(tokenID int32, text string) bool

// Driver runs requests against one loaded Model.
type Driver struct {
	model Model
	info  Info

	// file is non-nil only when the Driver was constructed via Load, which
	// owns the memory-mapped container for the Driver's lifetime.
	file *container.File

	// gpu is non-nil only when Load was called with Options.UseGPU and a
	// device was actually available; nil means every matmul runs on CPU.
	gpu gpu.Device

	// threads bounds the CPU fork-join worker pool width. Currently
	// informational: the fork-join points in quant/engine size their pool
	// from runtime.GOMAXPROCS directly, matching the teacher's own default.
	threads int
}

// New builds a Driver for the given model.
func New(m Model, info Info) *Driver {
	return &Driver{model: m, info: info}
}

// ModelInfo returns the driver's model metadata.
func (d *Driver) ModelInfo() Info { return d.info }

// Close releases resources held by the Driver, including the memory-mapped
// container file and any GPU device opened by Load.
func (d *Driver) Close() error {
	if d.gpu != nil {
		if err := d.gpu.Close(); err != nil {
			slog.Warn("gpu device close failed", "error", err)
		}
	}
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// Run executes prefill over the prompt followed by autoregressive decode,
// invoking cb once per generated token. It returns the full list of
// generated token IDs. Cancellation is honored both via ctx and via cb
// returning false.
func (d *Driver) Run(ctx context.Context, req Request, cb TokenCallback) ([]int32, error) {
	requestID := uuid.New()
	slog.Info("request started", "request_id", requestID, "max_tokens", req.MaxTokens)

	promptIDs, err := d.model.Tokenizer.Encode(req.Prompt, true)
	if err != nil {
		return nil, fmt.Errorf("driver: encode prompt: %w", err)
	}
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("driver: empty prompt encodes to zero tokens")
	}

	maxLen := d.model.MaxContextLen
	if maxLen == 0 {
		maxLen = len(promptIDs) + req.MaxTokens
	}
	state := &engine.State{Cache: engine.NewKVCache(d.model.LayerCount, d.model.HeadCountKV, d.model.HeadDim, maxLen)}

	var hidden []float32
	for _, id := range promptIDs {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		default:
		}
		embedding := d.model.EmbedToken(id)
		hidden, err = d.model.Forward(ctx, embedding, state)
		if err != nil {
			return nil, fmt.Errorf("driver: prefill: %w", err)
		}
	}

	generated := make([]int32, 0, req.MaxTokens)
	history := append([]int32(nil), promptIDs...)

	for step := 0; step < req.MaxTokens; step++ {
		select {
		case <-ctx.Done():
			return generated, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		default:
		}

		logits, err := d.model.Output(ctx, hidden)
		if err != nil {
			return generated, fmt.Errorf("driver: output projection: %w", err)
		}

		nextID, err := sampler.Sample(logits, history, req.SamplerParams)
		if err != nil {
			return generated, fmt.Errorf("driver: sample: %w", err)
		}

		generated = append(generated, nextID)
		history = append(history, nextID)

		if nextID == d.model.Tokenizer.EOSTokenID() {
			slog.Info("request finished", "request_id", requestID, "reason", "eos", "tokens", len(generated))
			break
		}

		text, err := d.model.Tokenizer.Decode([]int32{nextID})
		if err != nil {
			return generated, fmt.Errorf("driver: decode token: %w", err)
		}
		if !cb(nextID, text) {
			slog.Info("request finished", "request_id", requestID, "reason", "cancelled", "tokens", len(generated))
			return generated, nil
		}

		if step == req.MaxTokens-1 {
			slog.Info("request finished", "request_id", requestID, "reason", "max_tokens", "tokens", len(generated))
			break
		}

		embedding := d.model.EmbedToken(nextID)
		hidden, err = d.model.Forward(ctx, embedding, state)
		if err != nil {
			return generated, fmt.Errorf("driver: decode: %w", err)
		}
	}

	return generated, nil
}

// BuildModel wires a bound architecture model (from config.Load) into a
// driver.Model, dispatching Forward/Output/EmbedToken to the matching
// engine package functions for that architecture.
func BuildModel(bound any, tok tokenizer.Tokenizer, maxContextLen int) (Model, error) {
	switch m := bound.(type) {
	case *config.DenseModel:
		return Model{
			Tokenizer:     tok,
			EmbedToken:    func(id int32) []float32 { return engineEmbedToken(m.TokenEmbd, id, m.EmbeddingLength) },
			Forward:       func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) { return engineDenseForward(ctx, m, x, s) },
			Output:        func(ctx context.Context, hidden []float32) ([]float32, error) { return engineOutput(ctx, m.Output, m.EmbeddingLength, hidden, m.LogitScale, m.FinalLogitSoftcap) },
			LayerCount:    m.BlockCount,
			HeadCountKV:   m.HeadCountKV,
			HeadDim:       m.EmbeddingLength / m.HeadCount,
			MaxContextLen: maxContextLen,
		}, nil

	case *config.MLAModel:
		headDim := m.QKNopeHeadDim + m.QKRopeHeadDim
		return Model{
			Tokenizer:     tok,
			EmbedToken:    func(id int32) []float32 { return engineEmbedToken(m.TokenEmbd, id, m.EmbeddingLength) },
			Forward:       func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) { return engine.MLAForward(ctx, m, x, s) },
			Output:        func(ctx context.Context, hidden []float32) ([]float32, error) { return engineOutput(ctx, m.Output, m.EmbeddingLength, hidden, m.LogitScale, m.FinalLogitSoftcap) },
			LayerCount:    m.BlockCount,
			HeadCountKV:   m.HeadCountKV,
			HeadDim:       headDim,
			MaxContextLen: maxContextLen,
		}, nil

	case *config.MoEModel:
		return Model{
			Tokenizer:     tok,
			EmbedToken:    func(id int32) []float32 { return engineEmbedToken(m.TokenEmbd, id, m.EmbeddingLength) },
			Forward:       func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) { return engine.MoEForwardModel(ctx, m, x, s) },
			Output:        func(ctx context.Context, hidden []float32) ([]float32, error) { return engineOutput(ctx, m.Output, m.EmbeddingLength, hidden, m.LogitScale, m.FinalLogitSoftcap) },
			LayerCount:    m.BlockCount,
			HeadCountKV:   m.HeadCountKV,
			HeadDim:       m.EmbeddingLength / m.HeadCount,
			MaxContextLen: maxContextLen,
		}, nil

	case *config.GPTOSSModel:
		return Model{
			Tokenizer:     tok,
			EmbedToken:    func(id int32) []float32 { return engineEmbedToken(m.TokenEmbd, id, m.EmbeddingLength) },
			Forward:       func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) { return engine.GPTOSSForward(ctx, m, x, s) },
			Output:        func(ctx context.Context, hidden []float32) ([]float32, error) { return engineOutput(ctx, m.Output, m.EmbeddingLength, hidden, m.LogitScale, m.FinalLogitSoftcap) },
			LayerCount:    m.BlockCount,
			HeadCountKV:   m.HeadCountKV,
			HeadDim:       m.EmbeddingLength / m.HeadCount,
			MaxContextLen: maxContextLen,
		}, nil

	default:
		return Model{}, fmt.Errorf("driver: unsupported bound model type %T", bound)
	}
}

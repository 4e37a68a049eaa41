package driver

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/container"
	"github.com/llmlocal/engine/gpu"
	"github.com/llmlocal/engine/tokenizer"
)

// Options configures Load. It is a plain struct rather than a global
// environment-variable layer: process-wide configuration surfaces belong to
// an external CLI/server collaborator, not this package.
type Options struct {
	// ContextLength bounds the KV cache's maximum sequence length. Zero
	// defaults to the model's own trained context length.
	ContextLength int

	// UseGPU attempts to open a GPU backend via gpu.Open. If no device is
	// available (including every build without the vk tag), Load logs a
	// fallback notice and continues on CPU rather than failing.
	UseGPU bool

	// Threads is stored on the Driver but does not size any worker pool:
	// matmul and attention size theirs from runtime.GOMAXPROCS(0), and MoE
	// runs one goroutine per selected expert. Zero defaults to
	// runtime.NumCPU().
	Threads int
}

// Load opens a GGUF file at path, binds its architecture-specific weights
// and tokenizer vocabulary, and returns a Driver ready to run requests
// against it. The returned Driver owns path's memory mapping until Close.
func Load(path string, opts Options) (*Driver, error) {
	f, err := container.Open(path)
	if err != nil {
		return nil, fmt.Errorf("driver: open %s: %w", path, err)
	}

	bound, err := config.Load(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("driver: load weights: %w", err)
	}

	vocab, err := config.LoadVocab(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("driver: load vocabulary: %w", err)
	}

	tok, err := tokenizer.New(vocab)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("driver: build tokenizer: %w", err)
	}

	arch, err := config.Architecture(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	maxContextLen := opts.ContextLength
	if maxContextLen == 0 {
		maxContextLen = int(f.MetadataGetInt(arch+".context_length", 0))
	}

	model, err := BuildModel(bound, tok, maxContextLen)
	if err != nil {
		f.Close()
		return nil, err
	}

	threads := opts.Threads
	if threads == 0 {
		threads = runtime.NumCPU()
	}

	var dev gpu.Device
	if opts.UseGPU {
		dev, err = gpu.Open()
		if err != nil {
			slog.Warn("gpu backend unavailable, falling back to cpu", "error", err)
			dev = nil
		} else {
			slog.Info("gpu backend opened", "name", dev.Name())
		}
	}

	d := New(model, Info{
		Architecture: arch,
		ContextLen:   maxContextLen,
		VocabSize:    tok.VocabSize(),
	})
	d.file = f
	d.gpu = dev
	d.threads = threads
	return d, nil
}

package engine

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/llmlocal/engine/kernel"
)

// AttentionParams configures one call to Attention.
type AttentionParams struct {
	HeadCount   int
	HeadCountKV int
	HeadDim     int
	// SlidingWindow limits attention to the trailing window positions
	// when > 0; 0 means full causal attention.
	SlidingWindow int
	// Sinks holds one extra per-head logit that participates in the
	// softmax denominator without ever being attended to (gptoss-style
	// attention sinks). nil disables the extension.
	Sinks []float32
	// LogitSoftcap, when nonzero, applies tanh soft-capping to raw
	// attention logits before softmax: logit = cap * tanh(logit / cap).
	LogitSoftcap float32
}

// Attention computes multi-head attention for one new query position
// against cached keys/values covering positions [0, kvLen). Query is
// headCount*headDim long; keys/values are kvLen*headCountKV*headDim long.
// Heads are computed in parallel — this is one of the engine's three
// fork-join points, alongside matmul row-parallelism and MoE expert
// parallelism.
func Attention(ctx context.Context, query, keys, values []float32, kvLen int, p AttentionParams) ([]float32, error) {
	out := make([]float32, p.HeadCount*p.HeadDim)
	groupSize := p.HeadCount / p.HeadCountKV
	scale := float32(1 / math.Sqrt(float64(p.HeadDim)))

	windowStart := 0
	if p.SlidingWindow > 0 && kvLen > p.SlidingWindow {
		windowStart = kvLen - p.SlidingWindow
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > p.HeadCount {
		workers = p.HeadCount
	}
	if workers < 1 {
		workers = 1
	}

	g, _ := errgroup.WithContext(ctx)
	chunk := (p.HeadCount + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= p.HeadCount {
			break
		}
		if end > p.HeadCount {
			end = p.HeadCount
		}
		g.Go(func() error {
			for h := start; h < end; h++ {
				kvHead := h / groupSize
				attentionHead(query, keys, values, kvLen, windowStart, h, kvHead, scale, p, out)
			}
			return nil
		})
	}
	return out, g.Wait()
}

func attentionHead(query, keys, values []float32, kvLen, windowStart, head, kvHead int, scale float32, p AttentionParams, out []float32) {
	q := query[head*p.HeadDim : (head+1)*p.HeadDim]

	n := kvLen - windowStart
	hasSink := p.Sinks != nil
	logits := make([]float32, n, n+1)
	for i := 0; i < n; i++ {
		pos := windowStart + i
		k := keys[pos*p.HeadCountKV*p.HeadDim+kvHead*p.HeadDim : pos*p.HeadCountKV*p.HeadDim+(kvHead+1)*p.HeadDim]
		logit := kernel.Dot(q, k) * scale
		logits[i] = softcap(logit, p.LogitSoftcap)
	}
	if hasSink {
		logits = append(logits, p.Sinks[head])
	}

	kernel.Softmax(logits)
	if hasSink {
		logits = logits[:n]
	}

	acc := out[head*p.HeadDim : (head+1)*p.HeadDim]
	for i := 0; i < n; i++ {
		pos := windowStart + i
		v := values[pos*p.HeadCountKV*p.HeadDim+kvHead*p.HeadDim : pos*p.HeadCountKV*p.HeadDim+(kvHead+1)*p.HeadDim]
		kernel.Saxpy(acc, logits[i], v)
	}
}

func softcap(logit, limit float32) float32 {
	if limit == 0 {
		return logit
	}
	return limit * float32(math.Tanh(float64(logit/limit)))
}

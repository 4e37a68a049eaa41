package engine

import (
	"context"
	"fmt"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/kernel"
	"github.com/llmlocal/engine/quant"
)

// State holds everything one in-flight request needs across decode steps:
// its KV cache and the current write position.
type State struct {
	Cache *KVCache
	Pos   int
}

// matmulTensor runs quant.MatMul against a bound config.Tensor, inferring
// row/col counts from its recorded shape ([in_features, out_features] in
// GGUF's ne[0]-first order: Shape[0] is the input width, Shape[1] the
// output row count).
func matmulTensor(ctx context.Context, t *config.Tensor, input []float32) ([]float32, error) {
	if t == nil {
		return nil, ErrMissingRequiredTensor
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("engine: tensor %s has unexpected shape %v", t.Name, t.Shape)
	}
	cols, rows := int(t.Shape[0]), int(t.Shape[1])
	out := make([]float32, rows)
	if err := quant.MatMul(ctx, t.View, input, rows, cols, out); err != nil {
		return nil, fmt.Errorf("engine: matmul %s: %w", t.Name, err)
	}
	return out, nil
}

func rmsNormTensor(x []float32, weightTensor *config.Tensor, eps float32) ([]float32, error) {
	if weightTensor == nil {
		return nil, ErrMissingRequiredTensor
	}
	weight := tensorFloats(weightTensor)
	out := make([]float32, len(x))
	kernel.RMSNorm(out, x, weight, eps)
	return out, nil
}

// tensorFloats decodes every element of a bound tensor's view into a
// plain float32 slice, for the small per-layer vectors (norm weights,
// biases) that get re-read every token but are cheap enough not to cache.
func tensorFloats(t *config.Tensor) []float32 {
	out := make([]float32, t.View.Len())
	for i := range out {
		out[i] = t.View.At(i)
	}
	return out
}

// applyOptionalBias adds bias's values onto x in place; a nil bias is a
// no-op, matching architectures (plain llama/qwen2) that carry none.
func applyOptionalBias(x []float32, bias *config.Tensor) error {
	if bias == nil {
		return nil
	}
	b := tensorFloats(bias)
	if len(b) != len(x) {
		return fmt.Errorf("engine: bias width %d does not match projection width %d", len(b), len(x))
	}
	kernel.Accumulate(x, b)
	return nil
}

// applyOptionalHeadNorm RMSNorms each head_dim-wide slice of x in place
// against a single shared per-head-dim weight (Qwen3/Gemma3n-style
// attn_q_norm/attn_k_norm, grounded on
// model/models/gemma3n/text_attention.go). A nil weight is a no-op.
func applyOptionalHeadNorm(x []float32, weight *config.Tensor, headCount, headDim int, eps float32) error {
	if weight == nil {
		return nil
	}
	w := tensorFloats(weight)
	if len(w) != headDim {
		return fmt.Errorf("engine: head-norm weight width %d does not match head_dim %d", len(w), headDim)
	}
	normed := make([]float32, headDim)
	for h := 0; h < headCount; h++ {
		head := x[h*headDim : (h+1)*headDim]
		kernel.RMSNorm(normed, head, w, eps)
		copy(head, normed)
	}
	return nil
}

// applyOptionalNorm RMSNorms x in place against weight, leaving x
// untouched when weight is nil (e.g. an architecture with no
// post_attention_norm).
func applyOptionalNorm(x []float32, weight *config.Tensor, eps float32) error {
	if weight == nil {
		return nil
	}
	normed, err := rmsNormTensor(x, weight, eps)
	if err != nil {
		return err
	}
	copy(x, normed)
	return nil
}

// projectQKV runs the attention input projection: a single merged wqkv
// matmul sliced into Q/K/V by declared width when the layer carries one
// (spec's merged-weight layout, grounded on fs/ggml/ggml_graph.go's
// "attn_qkv.bias" tensor key and the gguf-parser-go estimate path's
// attn_qkv.weight), or three separate matmuls otherwise.
func projectQKV(ctx context.Context, normed []float32, wqkv, wq, wk, wv *config.Tensor, qWidth, kvWidth int) (q, k, v []float32, err error) {
	if wqkv != nil {
		merged, err := matmulTensor(ctx, wqkv, normed)
		if err != nil {
			return nil, nil, nil, err
		}
		want := qWidth + 2*kvWidth
		if len(merged) != want {
			return nil, nil, nil, fmt.Errorf("engine: merged qkv width %d does not match q+2*kv width %d", len(merged), want)
		}
		q = append([]float32(nil), merged[:qWidth]...)
		k = append([]float32(nil), merged[qWidth:qWidth+kvWidth]...)
		v = append([]float32(nil), merged[qWidth+kvWidth:]...)
		return q, k, v, nil
	}
	if q, err = matmulTensor(ctx, wq, normed); err != nil {
		return nil, nil, nil, err
	}
	if k, err = matmulTensor(ctx, wk, normed); err != nil {
		return nil, nil, nil, err
	}
	if v, err = matmulTensor(ctx, wv, normed); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v, nil
}

// ropeParamsFor builds the RopeParams a layer's Q/K rotation should use
// from the model's hyperparameters, threading YaRN scaling through when
// the metadata enables it (config.RopeTypeForArch picks the rotation
// pairing; ApplyRope itself no-ops YaRN when Scale <= 1).
func ropeParamsFor(hp config.HyperParams, dim int) RopeParams {
	style := RopeNeox
	if hp.RopeType == config.RopeTypeNormal {
		style = RopeNormal
	}
	return RopeParams{
		Style:       style,
		Dim:         dim,
		FreqBase:    hp.RopeFreqBase,
		Scale:       hp.RopeScale,
		OrigContext: hp.RopeOrigContext,
		BetaFast:    hp.RopeBetaFast,
		BetaSlow:    hp.RopeBetaSlow,
	}
}

// DenseLayerForward runs one llama/qwen2-style GQA transformer block:
// pre-attention RMSNorm, QKV projection, RoPE, causal self-attention with
// KV-group sharing, output projection with residual, pre-FFN RMSNorm, a
// SiLU-gated MLP, and a second residual — the eleven-step layer body every
// dense decoder-only architecture in this family shares.
func DenseLayerForward(ctx context.Context, x []float32, layer *config.DenseLayer, hp config.HyperParams, state *State, layerIdx int) ([]float32, error) {
	headDim := hp.EmbeddingLength / hp.HeadCount

	normed, err := rmsNormTensor(x, layer.AttnNorm, hp.LayerNormEps)
	if err != nil {
		return nil, err
	}

	q, k, v, err := projectQKV(ctx, normed, layer.AttnQKV, layer.AttnQ, layer.AttnK, layer.AttnV,
		hp.HeadCount*headDim, hp.HeadCountKV*headDim)
	if err != nil {
		return nil, err
	}
	if err := applyOptionalBias(q, layer.AttnQBias); err != nil {
		return nil, err
	}
	if err := applyOptionalBias(k, layer.AttnKBias); err != nil {
		return nil, err
	}
	if err := applyOptionalBias(v, layer.AttnVBias); err != nil {
		return nil, err
	}
	if err := applyOptionalHeadNorm(q, layer.AttnQNorm, hp.HeadCount, headDim, hp.LayerNormEps); err != nil {
		return nil, err
	}
	if err := applyOptionalHeadNorm(k, layer.AttnKNorm, hp.HeadCountKV, headDim, hp.LayerNormEps); err != nil {
		return nil, err
	}

	ropeParams := ropeParamsFor(hp, headDim)
	for h := 0; h < hp.HeadCount; h++ {
		ApplyRope(q[h*headDim:(h+1)*headDim], state.Pos, ropeParams)
	}
	for h := 0; h < hp.HeadCountKV; h++ {
		ApplyRope(k[h*headDim:(h+1)*headDim], state.Pos, ropeParams)
	}

	pos, err := state.Cache.Append(layerIdx, k, v)
	if err != nil {
		return nil, err
	}
	kvLen := pos + 1

	attnOut, err := Attention(ctx, q, state.Cache.Keys(layerIdx, kvLen), state.Cache.Values(layerIdx, kvLen), kvLen, AttentionParams{
		HeadCount:   hp.HeadCount,
		HeadCountKV: hp.HeadCountKV,
		HeadDim:     headDim,
	})
	if err != nil {
		return nil, err
	}

	projected, err := matmulTensor(ctx, layer.AttnOut, attnOut)
	if err != nil {
		return nil, err
	}
	if err := applyOptionalNorm(projected, layer.PostAttnNorm, hp.LayerNormEps); err != nil {
		return nil, err
	}
	kernel.Accumulate(projected, x)

	ffnNormed, err := rmsNormTensor(projected, layer.FFNNorm, hp.LayerNormEps)
	if err != nil {
		return nil, err
	}

	gate, err := matmulTensor(ctx, layer.FFNGate, ffnNormed)
	if err != nil {
		return nil, err
	}
	up, err := matmulTensor(ctx, layer.FFNUp, ffnNormed)
	if err != nil {
		return nil, err
	}
	kernel.SiLU(gate)
	kernel.ElementwiseMul(gate, up)

	down, err := matmulTensor(ctx, layer.FFNDown, gate)
	if err != nil {
		return nil, err
	}
	kernel.Accumulate(down, projected)

	return down, nil
}

// DenseForward runs every layer of a bound dense model against one
// position's embedding, followed by a final RMSNorm. It returns the
// hidden state immediately before the output projection; callers apply
// Output themselves since sampling only needs a subset of logits in some
// callers (e.g. constrained decoding), which this function stays agnostic
// to.
func DenseForward(ctx context.Context, m *config.DenseModel, tokenEmbedding []float32, state *State) ([]float32, error) {
	x := tokenEmbedding
	for i := range m.Layers {
		var err error
		x, err = DenseLayerForward(ctx, x, &m.Layers[i], m.HyperParams, state, i)
		if err != nil {
			return nil, fmt.Errorf("engine: layer %d: %w", i, err)
		}
	}
	state.Pos++
	return rmsNormTensor(x, m.OutputNorm, m.LayerNormEps)
}

// EmbedToken decodes one row of the token embedding matrix for tokenID.
func EmbedToken(embd *config.Tensor, tokenID int32, embeddingLength int) []float32 {
	out := make([]float32, embeddingLength)
	row := embd.View.Row(int(tokenID), embeddingLength)
	for i := range out {
		out[i] = row.At(i)
	}
	return out
}

package engine

import (
	"context"
	"fmt"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/kernel"
)

// MLALayerForward runs one DeepSeek2-style multi-head latent attention
// block: queries are compressed through a low-rank bottleneck (q_a) and
// re-expanded (q_b); keys/values share one joint low-rank projection
// (kv_a) that is re-expanded per head (kv_b) before caching, so the KV
// cache holds full-width per-head keys/values, not the compressed kv_a
// vector.
func MLALayerForward(ctx context.Context, x []float32, layer *config.MLALayer, m *config.MLAModel, state *State, layerIdx int) ([]float32, error) {
	hp := m.HyperParams
	headDim := m.QKNopeHeadDim + m.QKRopeHeadDim

	normed, err := rmsNormTensor(x, layer.AttnNorm, hp.LayerNormEps)
	if err != nil {
		return nil, err
	}

	qCompressed, err := matmulTensor(ctx, layer.AttnQA, normed)
	if err != nil {
		return nil, err
	}
	qCompressed, err = rmsNormPlain(qCompressed, layer.AttnQANorm, hp.LayerNormEps)
	if err != nil {
		return nil, err
	}
	q, err := matmulTensor(ctx, layer.AttnQB, qCompressed)
	if err != nil {
		return nil, err
	}

	kvCompressed, err := matmulTensor(ctx, layer.AttnKVA, normed)
	if err != nil {
		return nil, err
	}
	kvCompressed, err = rmsNormPlain(kvCompressed, layer.AttnKVANorm, hp.LayerNormEps)
	if err != nil {
		return nil, err
	}
	kv, err := matmulTensor(ctx, layer.AttnKVB, kvCompressed)
	if err != nil {
		return nil, err
	}

	// kv holds [k_nope | v] concatenated per KV head.
	vHeadDim := m.VHeadDim
	kWidth := m.QKNopeHeadDim
	perHeadKV := kWidth + vHeadDim
	if len(kv) != hp.HeadCountKV*perHeadKV {
		return nil, fmt.Errorf("engine: mla kv_b output width mismatch: got %d want %d", len(kv), hp.HeadCountKV*perHeadKV)
	}

	k := make([]float32, hp.HeadCountKV*headDim)
	v := make([]float32, hp.HeadCountKV*vHeadDim)
	for h := 0; h < hp.HeadCountKV; h++ {
		src := kv[h*perHeadKV : (h+1)*perHeadKV]
		copy(k[h*headDim:h*headDim+kWidth], src[:kWidth])
		copy(v[h*vHeadDim:(h+1)*vHeadDim], src[kWidth:])
	}

	ropeParams := ropeParamsFor(hp, m.QKRopeHeadDim)
	for h := 0; h < hp.HeadCount; h++ {
		ApplyRope(q[h*headDim+kWidth:(h+1)*headDim], state.Pos, ropeParams)
	}
	for h := 0; h < hp.HeadCountKV; h++ {
		ApplyRope(k[h*headDim+kWidth:(h+1)*headDim], state.Pos, ropeParams)
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

	var ffnOut []float32
	if layer.IsMoE() {
		ffnOut, err = mlaMoEFeedForward(ctx, ffnNormed, layer, m)
	} else {
		ffnOut, err = denseFeedForward(ctx, ffnNormed, layer.FFNGate, layer.FFNUp, layer.FFNDown)
	}
	if err != nil {
		return nil, err
	}
	kernel.Accumulate(ffnOut, projected)
	return ffnOut, nil
}

func rmsNormPlain(x []float32, weightTensor *config.Tensor, eps float32) ([]float32, error) {
	if weightTensor == nil {
		return x, nil
	}
	return rmsNormTensor(x, weightTensor, eps)
}

func denseFeedForward(ctx context.Context, x []float32, gateT, upT, downT *config.Tensor) ([]float32, error) {
	gate, err := matmulTensor(ctx, gateT, x)
	if err != nil {
		return nil, err
	}
	up, err := matmulTensor(ctx, upT, x)
	if err != nil {
		return nil, err
	}
	kernel.SiLU(gate)
	kernel.ElementwiseMul(gate, up)
	return matmulTensor(ctx, downT, gate)
}

func mlaMoEFeedForward(ctx context.Context, x []float32, layer *config.MLALayer, m *config.MLAModel) ([]float32, error) {
	routerLogits, err := matmulTensor(ctx, layer.FFNGateInp, x)
	if err != nil {
		return nil, err
	}

	// Stacked expert tensors are shaped [expert_count, out_features,
	// in_features]; each expert's slab is rowsPerExpert = out_features
	// rows of in_features columns.
	gateRows := int(layer.FFNGateExps.Shape[1])
	upRows := int(layer.FFNUpExps.Shape[1])
	downRows := int(layer.FFNDownExps.Shape[1])
	gateCols := int(layer.FFNGateExps.Shape[2])
	upCols := int(layer.FFNUpExps.Shape[2])
	downCols := int(layer.FFNDownExps.Shape[2])

	experts := make([]ExpertWeights, m.ExpertCount)
	for i := range experts {
		experts[i] = ExpertWeights{
			Gate: SliceExpertWeights(layer.FFNGateExps.View, i, gateRows, gateCols),
			Up:   SliceExpertWeights(layer.FFNUpExps.View, i, upRows, upCols),
			Down: SliceExpertWeights(layer.FFNDownExps.View, i, downRows, downCols),
			GateCols: gateRows, UpCols: upRows, DownCols: downRows,
		}
	}

	var shared *ExpertWeights
	if layer.HasSharedExpert() {
		shared = &ExpertWeights{
			Gate: layer.FFNGateShexp.View, Up: layer.FFNUpShexp.View, Down: layer.FFNDownShexp.View,
			GateCols: int(layer.FFNGateShexp.Shape[1]), UpCols: int(layer.FFNUpShexp.Shape[1]), DownCols: int(layer.FFNDownShexp.Shape[1]),
		}
	}

	return MoEForward(ctx, x, routerLogits, experts, shared, MoEParams{
		ExpertCount:      m.ExpertCount,
		ExpertUsed:       m.ExpertUsedCount,
		HiddenSize:       m.EmbeddingLength,
		NormalizeWeights: true,
	})
}

// MLAForward runs every layer of a bound DeepSeek2-family model.
func MLAForward(ctx context.Context, m *config.MLAModel, tokenEmbedding []float32, state *State) ([]float32, error) {
	x := tokenEmbedding
	for i := range m.Layers {
		var err error
		x, err = MLALayerForward(ctx, x, &m.Layers[i], m, state, i)
		if err != nil {
			return nil, fmt.Errorf("engine: layer %d: %w", i, err)
		}
	}
	state.Pos++
	return rmsNormTensor(x, m.OutputNorm, m.LayerNormEps)
}

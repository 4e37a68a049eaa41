package engine

import (
	"context"
	"fmt"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/kernel"
)

// MoELayerForward runs one glm4moe-style block: ordinary GQA attention
// (identical in shape to DenseLayerForward's attention half) followed by
// an MoE-routed feed-forward instead of a single dense MLP.
func MoELayerForward(ctx context.Context, x []float32, layer *config.MoELayer, m *config.MoEModel, state *State, layerIdx int) ([]float32, error) {
	hp := m.HyperParams
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

	var ffnOut []float32
	if layer.IsMoE() {
		ffnOut, err = glm4MoEFeedForward(ctx, ffnNormed, layer, m)
	} else {
		ffnOut, err = denseFeedForward(ctx, ffnNormed, layer.FFNGate, layer.FFNUp, layer.FFNDown)
	}
	if err != nil {
		return nil, err
	}
	kernel.Accumulate(ffnOut, projected)
	return ffnOut, nil
}

func glm4MoEFeedForward(ctx context.Context, x []float32, layer *config.MoELayer, m *config.MoEModel) ([]float32, error) {
	routerLogits, err := matmulTensor(ctx, layer.FFNGateInp, x)
	if err != nil {
		return nil, err
	}

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

// MoEForwardModel runs every layer of a bound glm4moe-family model.
func MoEForwardModel(ctx context.Context, m *config.MoEModel, tokenEmbedding []float32, state *State) ([]float32, error) {
	x := tokenEmbedding
	for i := range m.Layers {
		var err error
		x, err = MoELayerForward(ctx, x, &m.Layers[i], m, state, i)
		if err != nil {
			return nil, fmt.Errorf("engine: layer %d: %w", i, err)
		}
	}
	state.Pos++
	return rmsNormTensor(x, m.OutputNorm, m.LayerNormEps)
}

package engine

import (
	"context"
	"fmt"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/kernel"
)

// GPTOSSLayerForward runs one attention-sink, sliding-window block: odd
// layers (by convention, layerIdx%2==1) restrict attention to the
// trailing SlidingWindow positions, and every layer's attention softmax
// denominator includes one extra per-head "sink" logit that never
// receives any softmax weight mass back (it has no corresponding value).
func GPTOSSLayerForward(ctx context.Context, x []float32, layer *config.GPTOSSLayer, m *config.GPTOSSModel, state *State, layerIdx int) ([]float32, error) {
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

	window := 0
	if layerIdx%2 == 1 {
		window = m.SlidingWindow
	}

	var sinks []float32
	if layer.AttnSinks != nil {
		sinks = make([]float32, layer.AttnSinks.View.Len())
		for i := range sinks {
			sinks[i] = layer.AttnSinks.View.At(i)
		}
	}

	attnOut, err := Attention(ctx, q, state.Cache.Keys(layerIdx, kvLen), state.Cache.Values(layerIdx, kvLen), kvLen, AttentionParams{
		HeadCount:     hp.HeadCount,
		HeadCountKV:   hp.HeadCountKV,
		HeadDim:       headDim,
		SlidingWindow: window,
		Sinks:         sinks,
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

	routerLogits, err := matmulTensor(ctx, layer.FFNGateInp, ffnNormed)
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

	ffnOut, err := MoEForward(ctx, ffnNormed, routerLogits, experts, nil, MoEParams{
		ExpertCount:      m.ExpertCount,
		ExpertUsed:       m.ExpertUsedCount,
		HiddenSize:       m.EmbeddingLength,
		NormalizeWeights: true,
	})
	if err != nil {
		return nil, err
	}
	kernel.Accumulate(ffnOut, projected)
	return ffnOut, nil
}

// GPTOSSForward runs every layer of a bound gptoss-family model.
func GPTOSSForward(ctx context.Context, m *config.GPTOSSModel, tokenEmbedding []float32, state *State) ([]float32, error) {
	x := tokenEmbedding
	for i := range m.Layers {
		var err error
		x, err = GPTOSSLayerForward(ctx, x, &m.Layers[i], m, state, i)
		if err != nil {
			return nil, fmt.Errorf("engine: layer %d: %w", i, err)
		}
	}
	state.Pos++
	return rmsNormTensor(x, m.OutputNorm, m.LayerNormEps)
}

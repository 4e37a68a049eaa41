package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/quant"
)

// f32Tensor builds a bound config.Tensor over a plain F32 view, so forward
// passes can be exercised end-to-end without a real GGUF file on disk.
func f32Tensor(name string, shape []uint64, data []float32) *config.Tensor {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	view, err := quant.NewView(quant.F32, raw, len(data))
	if err != nil {
		panic(err)
	}
	return &config.Tensor{Name: name, Shape: shape, View: view}
}

// onesVec is a norm-weight tensor that leaves RMSNorm's output equal to
// the unit-normalized input (every weight 1).
func onesVec(n int) *config.Tensor {
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return f32Tensor(fmt.Sprintf("ones_%d", n), []uint64{uint64(n)}, data)
}

// projTensor is a deterministic [rows, cols] projection: out[r] = in[r]
// for r < min(rows, cols), zero otherwise. It stands in for a real
// learned weight matrix in tests that only need a shape-correct,
// NaN-free, deterministic linear map.
func projTensor(rows, cols int) *config.Tensor {
	data := make([]float32, rows*cols)
	for r := 0; r < rows && r < cols; r++ {
		data[r*cols+r] = 1
	}
	return f32Tensor(fmt.Sprintf("proj_%dx%d", rows, cols), []uint64{uint64(cols), uint64(rows)}, data)
}

// stackedExpertTensor builds an [expertCount, rows, cols] tensor whose
// every expert slab is the same projTensor-style projection.
func stackedExpertTensor(expertCount, rows, cols int) *config.Tensor {
	data := make([]float32, 0, expertCount*rows*cols)
	for e := 0; e < expertCount; e++ {
		for r := 0; r < rows; r++ {
			row := make([]float32, cols)
			if r < cols {
				row[r] = 1
			}
			data = append(data, row...)
		}
	}
	return f32Tensor("stacked_experts", []uint64{uint64(expertCount), uint64(rows), uint64(cols)}, data)
}

func assertFiniteVector(t *testing.T, label string, v []float32) {
	t.Helper()
	for i, x := range v {
		assert.False(t, math.IsNaN(float64(x)), "%s[%d] is NaN", label, i)
		assert.False(t, math.IsInf(float64(x), 0), "%s[%d] is Inf", label, i)
	}
}

func baseHyperParams() config.HyperParams {
	return config.HyperParams{
		Architecture:    "test",
		BlockCount:      1,
		EmbeddingLength: 4,
		FeedForwardLen:  4,
		HeadCount:       2,
		HeadCountKV:     2,
		ContextLength:   8,
		RopeFreqBase:    10000,
		RopeDimCount:    2,
		LayerNormEps:    1e-5,
		VocabSize:       4,
		RopeType:        config.RopeTypeNeoX,
		RopeScale:       1,
		LogitScale:      1,
	}
}

func newDenseLayer(hp config.HyperParams, headDim int) config.DenseLayer {
	embed := hp.EmbeddingLength
	qWidth := hp.HeadCount * headDim
	kvWidth := hp.HeadCountKV * headDim
	return config.DenseLayer{
		AttnNorm: onesVec(embed),
		AttnQ:    projTensor(qWidth, embed),
		AttnK:    projTensor(kvWidth, embed),
		AttnV:    projTensor(kvWidth, embed),
		AttnOut:  projTensor(embed, qWidth),
		FFNNorm:  onesVec(embed),
		FFNGate:  projTensor(hp.FeedForwardLen, embed),
		FFNUp:    projTensor(hp.FeedForwardLen, embed),
		FFNDown:  projTensor(embed, hp.FeedForwardLen),
	}
}

func TestDenseForwardProducesFinalHiddenState(t *testing.T) {
	hp := baseHyperParams()
	headDim := hp.EmbeddingLength / hp.HeadCount
	m := &config.DenseModel{
		HyperParams: hp,
		OutputNorm:  onesVec(hp.EmbeddingLength),
		Layers:      []config.DenseLayer{newDenseLayer(hp, headDim)},
	}

	state := &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)}
	out, err := DenseForward(context.Background(), m, []float32{1, 2, 3, 4}, state)
	require.NoError(t, err)
	require.Len(t, out, hp.EmbeddingLength)
	assertFiniteVector(t, "dense output", out)
}

// TestDenseForwardMergedQKVMatchesSeparateProjections is the regression
// the review asked for on the merged-wqkv slicing path: a model whose
// layer only carries AttnQKV must produce the same forward-pass output as
// one carrying the equivalent separate AttnQ/AttnK/AttnV projections.
func TestDenseForwardMergedQKVMatchesSeparateProjections(t *testing.T) {
	hp := baseHyperParams()
	headDim := hp.EmbeddingLength / hp.HeadCount
	embed := hp.EmbeddingLength

	separate := newDenseLayer(hp, headDim)
	modelA := &config.DenseModel{HyperParams: hp, OutputNorm: onesVec(embed), Layers: []config.DenseLayer{separate}}

	merged := newDenseLayer(hp, headDim)
	qWidth, kvWidth := hp.HeadCount*headDim, hp.HeadCountKV*headDim
	mergedData := make([]float32, 0, (qWidth+2*kvWidth)*embed)
	for _, qkv := range []*config.Tensor{merged.AttnQ, merged.AttnK, merged.AttnV} {
		for i := 0; i < qkv.View.Len(); i++ {
			mergedData = append(mergedData, qkv.View.At(i))
		}
	}
	merged.AttnQKV = f32Tensor("attn_qkv", []uint64{uint64(embed), uint64(qWidth + 2*kvWidth)}, mergedData)
	merged.AttnQ, merged.AttnK, merged.AttnV = nil, nil, nil
	modelB := &config.DenseModel{HyperParams: hp, OutputNorm: onesVec(embed), Layers: []config.DenseLayer{merged}}

	embedding := []float32{1, 2, 3, 4}
	outA, err := DenseForward(context.Background(), modelA, embedding, &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)})
	require.NoError(t, err)
	outB, err := DenseForward(context.Background(), modelB, embedding, &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)})
	require.NoError(t, err)

	for i := range outA {
		assert.InDelta(t, outA[i], outB[i], 1e-4)
	}
}

// TestDenseForwardAppliesOptionalQKNormBiasAndPostNorm exercises every
// field the review found unwired: attn_q_norm/attn_k_norm, QKV biases,
// and post_attention_norm must all run without a shape mismatch and must
// actually perturb the result relative to a layer that carries none.
func TestDenseForwardAppliesOptionalQKNormBiasAndPostNorm(t *testing.T) {
	hp := baseHyperParams()
	headDim := hp.EmbeddingLength / hp.HeadCount
	embed := hp.EmbeddingLength

	plain := newDenseLayer(hp, headDim)
	modelPlain := &config.DenseModel{HyperParams: hp, OutputNorm: onesVec(embed), Layers: []config.DenseLayer{plain}}

	enriched := newDenseLayer(hp, headDim)
	biasData := make([]float32, 2*headDim)
	for i := range biasData {
		biasData[i] = 0.5
	}
	enriched.AttnQBias = f32Tensor("q_bias", []uint64{uint64(2 * headDim)}, append([]float32(nil), biasData...))
	enriched.AttnKBias = f32Tensor("k_bias", []uint64{uint64(2 * headDim)}, append([]float32(nil), biasData...))
	enriched.AttnVBias = f32Tensor("v_bias", []uint64{uint64(2 * headDim)}, append([]float32(nil), biasData...))
	enriched.AttnQNorm = onesVec(headDim)
	enriched.AttnKNorm = onesVec(headDim)
	enriched.PostAttnNorm = onesVec(embed)
	modelEnriched := &config.DenseModel{HyperParams: hp, OutputNorm: onesVec(embed), Layers: []config.DenseLayer{enriched}}

	embedding := []float32{1, 2, 3, 4}
	outPlain, err := DenseForward(context.Background(), modelPlain, embedding, &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)})
	require.NoError(t, err)
	outEnriched, err := DenseForward(context.Background(), modelEnriched, embedding, &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)})
	require.NoError(t, err)

	assertFiniteVector(t, "enriched output", outEnriched)
	assert.NotEqual(t, outPlain, outEnriched)
}

func TestMLAForwardProducesFinalHiddenState(t *testing.T) {
	hp := baseHyperParams()
	embed := hp.EmbeddingLength
	qkNope, qkRope, vHead := 2, 2, 2
	headDim := qkNope + qkRope
	qLoraRank, kvLoraRank := embed, embed

	layer := config.MLALayer{
		AttnNorm: onesVec(embed),
		AttnQA:   projTensor(qLoraRank, embed),
		AttnQB:   projTensor(hp.HeadCount*headDim, qLoraRank),
		AttnKVA:  projTensor(kvLoraRank, embed),
		AttnKVB:  projTensor(hp.HeadCountKV*(qkNope+vHead), kvLoraRank),
		AttnOut:  projTensor(embed, hp.HeadCount*headDim),
		FFNNorm:  onesVec(embed),
		FFNGate:  projTensor(4, embed),
		FFNUp:    projTensor(4, embed),
		FFNDown:  projTensor(embed, 4),
	}
	m := &config.MLAModel{
		HyperParams:   hp,
		QLoraRank:     qLoraRank,
		KVLoraRank:    kvLoraRank,
		QKRopeHeadDim: qkRope,
		QKNopeHeadDim: qkNope,
		VHeadDim:      vHead,
		OutputNorm:    onesVec(embed),
		Layers:        []config.MLALayer{layer},
	}

	state := &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)}
	out, err := MLAForward(context.Background(), m, []float32{1, 2, 3, 4}, state)
	require.NoError(t, err)
	require.Len(t, out, embed)
	assertFiniteVector(t, "mla output", out)
}

func TestMoEForwardModelProducesFinalHiddenState(t *testing.T) {
	hp := baseHyperParams()
	embed := hp.EmbeddingLength
	headDim := embed / hp.HeadCount
	expertCount, expertUsed := 2, 1

	layer := config.MoELayer{
		AttnNorm:    onesVec(embed),
		AttnQ:       projTensor(2*headDim, embed),
		AttnK:       projTensor(2*headDim, embed),
		AttnV:       projTensor(2*headDim, embed),
		AttnOut:     projTensor(embed, 2*headDim),
		FFNNorm:     onesVec(embed),
		FFNGateInp:  projTensor(expertCount, embed),
		FFNGateExps: stackedExpertTensor(expertCount, 4, embed),
		FFNUpExps:   stackedExpertTensor(expertCount, 4, embed),
		FFNDownExps: stackedExpertTensor(expertCount, embed, 4),
	}
	m := &config.MoEModel{
		HyperParams:     hp,
		ExpertCount:     expertCount,
		ExpertUsedCount: expertUsed,
		OutputNorm:      onesVec(embed),
		Layers:          []config.MoELayer{layer},
	}

	state := &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)}
	out, err := MoEForwardModel(context.Background(), m, []float32{1, 2, 3, 4}, state)
	require.NoError(t, err)
	require.Len(t, out, embed)
	assertFiniteVector(t, "moe output", out)
}

func TestGPTOSSForwardProducesFinalHiddenState(t *testing.T) {
	hp := baseHyperParams()
	embed := hp.EmbeddingLength
	headDim := embed / hp.HeadCount
	expertCount, expertUsed := 2, 1

	layer := config.GPTOSSLayer{
		AttnNorm:    onesVec(embed),
		AttnQ:       projTensor(2*headDim, embed),
		AttnK:       projTensor(2*headDim, embed),
		AttnV:       projTensor(2*headDim, embed),
		AttnOut:     projTensor(embed, 2*headDim),
		AttnSinks:   f32Tensor("sinks", []uint64{uint64(hp.HeadCount)}, make([]float32, hp.HeadCount)),
		FFNNorm:     onesVec(embed),
		FFNGateInp:  projTensor(expertCount, embed),
		FFNGateExps: stackedExpertTensor(expertCount, 4, embed),
		FFNUpExps:   stackedExpertTensor(expertCount, 4, embed),
		FFNDownExps: stackedExpertTensor(expertCount, embed, 4),
	}
	m := &config.GPTOSSModel{
		HyperParams:     hp,
		SlidingWindow:   0,
		ExpertCount:     expertCount,
		ExpertUsedCount: expertUsed,
		OutputNorm:      onesVec(embed),
		Layers:          []config.GPTOSSLayer{layer},
	}

	state := &State{Cache: NewKVCache(1, hp.HeadCountKV, headDim, 8)}
	out, err := GPTOSSForward(context.Background(), m, []float32{1, 2, 3, 4}, state)
	require.NoError(t, err)
	require.Len(t, out, embed)
	assertFiniteVector(t, "gptoss output", out)
}

package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmlocal/engine/engine"
	"github.com/llmlocal/engine/sampler"
	"github.com/llmlocal/engine/tokenizer"
)

func fakeTokenizer(t *testing.T) tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.New(tokenizer.Vocab{
		Tokens:    []string{"<unk>", "<s>", "</s>", "a", "b"},
		TokenType: make([]int32, 5),
		BOSID:     1,
		EOSID:     2,
		UnknownID: 0,
		AddBOS:    true,
	})
	require.NoError(t, err)
	return tok
}

// TestRunStopsAtEOS drives a trivial fake model whose Output always scores
// the EOS token ID highest, confirming the loop terminates on EOS rather
// than running to MaxTokens.
func TestRunStopsAtEOS(t *testing.T) {
	tok := fakeTokenizer(t)
	const vocabSize = 5
	const eos = int32(2)

	m := Model{
		Tokenizer:  tok,
		EmbedToken: func(id int32) []float32 { return []float32{float32(id)} },
		Forward: func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) {
			return x, nil
		},
		Output: func(ctx context.Context, hidden []float32) ([]float32, error) {
			logits := make([]float32, vocabSize)
			logits[eos] = 100
			return logits, nil
		},
		LayerCount:    1,
		HeadCountKV:   1,
		HeadDim:       1,
		MaxContextLen: 32,
	}

	d := New(m, Info{Architecture: "fake"})
	var seen []int32
	ids, err := d.Run(context.Background(), Request{Prompt: "a", MaxTokens: 10, SamplerParams: sampler.Params{}}, func(id int32, text string) bool {
		seen = append(seen, id)
		return true
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, eos, ids[0])
	assert.Empty(t, seen, "EOS token should not be passed to the callback")
}

func TestRunStopsOnCallbackCancellation(t *testing.T) {
	tok := fakeTokenizer(t)
	const vocabSize = 5

	m := Model{
		Tokenizer:  tok,
		EmbedToken: func(id int32) []float32 { return []float32{float32(id)} },
		Forward: func(ctx context.Context, x []float32, s *engine.State) ([]float32, error) {
			return x, nil
		},
		Output: func(ctx context.Context, hidden []float32) ([]float32, error) {
			logits := make([]float32, vocabSize)
			logits[3] = 100
			return logits, nil
		},
		LayerCount:    1,
		HeadCountKV:   1,
		HeadDim:       1,
		MaxContextLen: 32,
	}

	d := New(m, Info{Architecture: "fake"})
	calls := 0
	ids, err := d.Run(context.Background(), Request{Prompt: "a", MaxTokens: 10}, func(id int32, text string) bool {
		calls++
		return calls < 2
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

package driver

import (
	"context"
	"math"

	"github.com/llmlocal/engine/config"
	"github.com/llmlocal/engine/engine"
	"github.com/llmlocal/engine/quant"
)

func engineEmbedToken(t *config.Tensor, id int32, embeddingLength int) []float32 {
	return engine.EmbedToken(t, id, embeddingLength)
}

func engineDenseForward(ctx context.Context, m *config.DenseModel, x []float32, s *engine.State) ([]float32, error) {
	return engine.DenseForward(ctx, m, x, s)
}

// engineOutput runs the final hidden state through the output projection
// tensor to produce per-token logits, then applies the architecture's
// logit_scale multiplier and final_logit_softcap tanh soft-cap (both
// unconditional per the closing paragraph of the output-projection step;
// logitScale == 0 is treated as the default no-op of 1, and
// finalLogitSoftcap <= 0 disables soft-capping).
func engineOutput(ctx context.Context, t *config.Tensor, embeddingLength int, hidden []float32, logitScale, finalLogitSoftcap float32) ([]float32, error) {
	if len(t.Shape) != 2 {
		return nil, errShape(t.Name)
	}
	cols, rows := int(t.Shape[0]), int(t.Shape[1])
	out := make([]float32, rows)
	if err := quant.MatMul(ctx, t.View, hidden, rows, cols, out); err != nil {
		return nil, err
	}

	scale := logitScale
	if scale == 0 {
		scale = 1
	}
	for i, v := range out {
		v *= scale
		if finalLogitSoftcap > 0 {
			v = finalLogitSoftcap * float32(math.Tanh(float64(v/finalLogitSoftcap)))
		}
		out[i] = v
	}
	return out, nil
}

func errShape(name string) error {
	return &shapeError{name: name}
}

type shapeError struct{ name string }

func (e *shapeError) Error() string {
	return "driver: output tensor " + e.name + " has unexpected shape"
}

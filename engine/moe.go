package engine

import (
	"context"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
	"golang.org/x/sync/errgroup"

	"github.com/llmlocal/engine/kernel"
	"github.com/llmlocal/engine/quant"
)

// ExpertWeights is one routed expert's feed-forward weights, each a view
// already restricted to that expert's row range within its stacked
// [expert_count, rows, cols] tensor.
type ExpertWeights struct {
	Gate, Up, Down             quant.View
	GateCols, UpCols, DownCols int
}

// SliceExpertWeights restricts a stacked expert tensor's view down to the
// row range belonging to expert index idx.
func SliceExpertWeights(stacked quant.View, idx, rowsPerExpert, cols int) quant.View {
	return stacked.Sub(idx*rowsPerExpert, rowsPerExpert, cols)
}

// MoEParams configures one mixture-of-experts feed-forward call.
type MoEParams struct {
	ExpertCount   int
	ExpertUsed    int
	HiddenSize    int
	// NormalizeWeights renormalizes the selected experts' router weights
	// to sum to 1 before combining their outputs (the common convention);
	// when false the raw softmax probabilities are used as-is.
	NormalizeWeights bool
}

// routedExpert pairs an expert index with its softmax router probability,
// for the top-K min-heap selection below.
type routedExpert struct {
	index int
	logit float32
}

// SelectExperts runs the router's softmax over logits (one per expert)
// and returns the top ExpertUsed experts with their (renormalized)
// combination weights. Selection uses a bounded min-heap rather than a
// full sort since ExpertUsed is always tiny relative to ExpertCount.
func SelectExperts(logits []float32, p MoEParams) ([]int, []float32) {
	probs := append([]float32(nil), logits...)
	kernel.Softmax(probs)

	heap := binaryheap.NewWith(func(a, b routedExpert) int {
		switch {
		case a.logit < b.logit:
			return -1
		case a.logit > b.logit:
			return 1
		default:
			return 0
		}
	})

	for i, v := range probs {
		heap.Push(routedExpert{index: i, logit: v})
		if heap.Size() > p.ExpertUsed {
			heap.Pop()
		}
	}

	indices := make([]int, heap.Size())
	weights := make([]float32, heap.Size())
	for i := len(indices) - 1; i >= 0; i-- {
		e, _ := heap.Pop()
		indices[i] = e.index
		weights[i] = e.logit
	}

	if p.NormalizeWeights {
		var sum float32
		for _, w := range weights {
			sum += w
		}
		if sum > 0 {
			for i := range weights {
				weights[i] /= sum
			}
		}
	}
	return indices, weights
}

// FeedForward runs one expert's SiLU-gated MLP: down(silu(gate(x)) * up(x)).
func FeedForward(ctx context.Context, x []float32, e ExpertWeights) ([]float32, error) {
	gateOut := make([]float32, e.GateCols)
	if err := quant.MatMul(ctx, e.Gate, x, e.GateCols, len(x), gateOut); err != nil {
		return nil, err
	}
	upOut := make([]float32, e.UpCols)
	if err := quant.MatMul(ctx, e.Up, x, e.UpCols, len(x), upOut); err != nil {
		return nil, err
	}

	kernel.SiLU(gateOut)
	kernel.ElementwiseMul(gateOut, upOut)

	downOut := make([]float32, e.DownCols)
	if err := quant.MatMul(ctx, e.Down, gateOut, e.DownCols, len(gateOut), downOut); err != nil {
		return nil, err
	}
	return downOut, nil
}

// MoEForward routes x through its selected experts and combines their
// outputs by router weight, adding an always-active shared expert's
// output unweighted if provided. Expert evaluation is fork-join
// parallel — one of the engine's three parallelism points.
func MoEForward(ctx context.Context, x []float32, routerLogits []float32, experts []ExpertWeights, shared *ExpertWeights, p MoEParams) ([]float32, error) {
	indices, weights := SelectExperts(routerLogits, p)

	outs := make([][]float32, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range indices {
		g.Go(func() error {
			o, err := FeedForward(gctx, x, experts[idx])
			if err != nil {
				return err
			}
			outs[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]float32, p.HiddenSize)
	for i, o := range outs {
		kernel.Saxpy(out, weights[i], o)
	}

	if shared != nil {
		sharedOut, err := FeedForward(ctx, x, *shared)
		if err != nil {
			return nil, err
		}
		kernel.Accumulate(out, sharedOut)
	}
	return out, nil
}

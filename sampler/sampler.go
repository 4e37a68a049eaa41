// Package sampler turns raw logits into a sampled next token: repetition
// penalty, temperature scaling, softmax, top-K and top-P truncation, and
// finally a seeded deterministic draw from the remaining distribution.
package sampler

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/llmlocal/engine/kernel"
)

// ErrInvalidDistribution is returned by drawFromDistribution when every
// probability has been filtered to zero (e.g. by an aggressive top-K/top-P
// pass on a degenerate distribution). Sample recovers from it automatically
// by falling back to the argmax of the un-filtered distribution, so callers
// never see it directly.
var ErrInvalidDistribution = errors.New("sampler: invalid distribution, every probability is zero")

// Params configures one sampling call. Zero-value fields disable their
// stage: Temperature <= 0 means greedy argmax, TopK <= 0 disables top-K,
// TopP <= 0 or >= 1 disables nucleus filtering, RepetitionPenalty <= 1
// disables the penalty.
type Params struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	// RepetitionWindow caps how many of the most recent tokens the
	// penalty looks at; 0 means the whole history.
	RepetitionWindow int
	Seed             uint64
}

// Sample draws the next token ID from logits given the tokens generated
// so far. It mutates a working copy of logits internally; the caller's
// slice is left untouched.
func Sample(logits []float32, history []int32, p Params) (int32, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("sampler: empty logits")
	}

	working := append([]float32(nil), logits...)
	applyRepetitionPenalty(working, history, p)

	if p.Temperature <= 0 {
		return int32(argmax(working)), nil
	}

	kernel.Scale(working, 1/p.Temperature)
	kernel.Softmax(working)
	// topK and topP return fresh slices, so unfiltered keeps the
	// pre-truncation probabilities for the fallback below.
	unfiltered := working

	if p.TopK > 0 && p.TopK < len(working) {
		working = topK(working, p.TopK)
	}
	if p.TopP > 0 && p.TopP < 1 {
		working = topP(working, p.TopP)
	}

	renormalize(working)
	id, err := drawFromDistribution(working, p.Seed)
	if err != nil {
		// SamplerInvalidDistribution: every probability collapsed to
		// zero (can happen after aggressive top-K/top-P truncation on
		// a degenerate distribution); fall back to greedy argmax of the
		// un-filtered distribution.
		return int32(argmax(unfiltered)), nil
	}
	return int32(id), nil
}

func applyRepetitionPenalty(logits []float32, history []int32, p Params) {
	if p.RepetitionPenalty <= 1 || len(history) == 0 {
		return
	}
	window := history
	if p.RepetitionWindow > 0 && len(history) > p.RepetitionWindow {
		window = history[len(history)-p.RepetitionWindow:]
	}
	seen := make(map[int32]bool, len(window))
	for _, id := range window {
		seen[id] = true
	}
	for id := range seen {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= p.RepetitionPenalty
		} else {
			logits[id] *= p.RepetitionPenalty
		}
	}
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// candidate pairs a vocabulary index with its probability, for the
// bounded min-heap top-K selection below.
type candidate struct {
	index int
	prob  float32
}

// topK keeps the K highest-probability entries and zeros everything else,
// using a bounded min-heap rather than a full sort of the vocabulary.
func topK(probs []float32, k int) []float32 {
	heap := binaryheap.NewWith(func(a, b candidate) int {
		switch {
		case a.prob < b.prob:
			return -1
		case a.prob > b.prob:
			return 1
		default:
			return 0
		}
	})
	for i, p := range probs {
		heap.Push(candidate{index: i, prob: p})
		if heap.Size() > k {
			heap.Pop()
		}
	}

	out := make([]float32, len(probs))
	for heap.Size() > 0 {
		c, _ := heap.Pop()
		out[c.index] = c.prob
	}
	return out
}

// topP keeps the smallest prefix of probability mass (sorted descending)
// whose cumulative sum reaches p, zeroing the rest (nucleus sampling).
func topP(probs []float32, p float32) []float32 {
	type ip struct {
		idx  int
		prob float32
	}
	sorted := make([]ip, len(probs))
	for i, v := range probs {
		sorted[i] = ip{i, v}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].prob > sorted[j].prob })

	out := make([]float32, len(probs))
	var cumulative float32
	for _, e := range sorted {
		if cumulative >= p {
			break
		}
		out[e.idx] = e.prob
		cumulative += e.prob
	}
	return out
}

func renormalize(probs []float32) {
	var sum float32
	for _, v := range probs {
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range probs {
		probs[i] *= inv
	}
}

// drawFromDistribution performs a seeded, deterministic multinomial draw:
// the same seed and distribution always produce the same token, which
// callers rely on for reproducible generation.
func drawFromDistribution(probs []float32, seed uint64) (int, error) {
	r := rand.New(rand.NewSource(int64(seed)))
	target := r.Float32()

	var cumulative float32
	for i, p := range probs {
		cumulative += p
		if target <= cumulative {
			return i, nil
		}
	}
	// Floating-point drift can leave the cumulative sum a hair under 1;
	// the last nonzero entry is the correct fallback rather than an error.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i, nil
		}
	}
	return 0, ErrInvalidDistribution
}

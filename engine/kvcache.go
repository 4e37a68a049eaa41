package engine

import "fmt"

// KVCache holds the accumulated key/value projections for one request's
// attention layers. It is pre-allocated to the request's maximum sequence
// length so decode-step appends never reallocate, and is written exactly
// once per position: prefill fills positions 0..n-1, decode appends one
// position at a time, and nothing ever rewrites an already-written slot.
type KVCache struct {
	headCountKV int
	headDim     int
	maxLen      int
	written     int

	// keys/values are flattened [layer][position][head][dim] buffers, one
	// pair per layer, indexed by layer at access time.
	keys   [][]float32
	values [][]float32
}

// NewKVCache allocates a cache for layerCount layers, each holding up to
// maxLen positions of headCountKV heads of headDim floats.
func NewKVCache(layerCount, headCountKV, headDim, maxLen int) *KVCache {
	c := &KVCache{
		headCountKV: headCountKV,
		headDim:     headDim,
		maxLen:      maxLen,
		keys:        make([][]float32, layerCount),
		values:      make([][]float32, layerCount),
	}
	rowLen := headCountKV * headDim
	for l := 0; l < layerCount; l++ {
		c.keys[l] = make([]float32, maxLen*rowLen)
		c.values[l] = make([]float32, maxLen*rowLen)
	}
	return c
}

// Append writes one position's key/value vectors for the given layer at
// the cache's current write cursor and returns the position index written.
// It returns an error if the cache is already full — callers are expected
// to check Len against the request's configured context length before
// generating further tokens.
func (c *KVCache) Append(layer int, key, value []float32) (int, error) {
	if c.written >= c.maxLen {
		return 0, fmt.Errorf("%w: kv cache full at %d positions", ErrContextOverflow, c.maxLen)
	}
	rowLen := c.headCountKV * c.headDim
	pos := c.written
	copy(c.keys[layer][pos*rowLen:(pos+1)*rowLen], key)
	copy(c.values[layer][pos*rowLen:(pos+1)*rowLen], value)
	if layer == len(c.keys)-1 {
		c.written++
	}
	return pos, nil
}

// Keys returns the key vectors for layer across positions [0, n).
func (c *KVCache) Keys(layer, n int) []float32 {
	rowLen := c.headCountKV * c.headDim
	return c.keys[layer][:n*rowLen]
}

// Values returns the value vectors for layer across positions [0, n).
func (c *KVCache) Values(layer, n int) []float32 {
	rowLen := c.headCountKV * c.headDim
	return c.values[layer][:n*rowLen]
}

// Len reports how many positions have been written.
func (c *KVCache) Len() int { return c.written }

// Cap reports the cache's maximum position count.
func (c *KVCache) Cap() int { return c.maxLen }

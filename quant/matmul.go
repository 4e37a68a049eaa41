package quant

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MatMul computes out[r] = dot(weights row r, input) for r in [0, rows),
// where weights is a [rows, cols] matrix view and input has length cols.
// Rows are split across a worker pool and joined before MatMul returns —
// this is one of the three fork-join points in the engine, the other two
// being mixture-of-experts routing and multi-head attention.
func MatMul(ctx context.Context, weights View, input []float32, rows, cols int, out []float32) error {
	if len(input) != cols || len(out) != rows {
		return ErrShapeInvalid
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > rows {
		workers = rows
	}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	chunk := (rows + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= rows {
			break
		}
		if end > rows {
			end = rows
		}
		g.Go(func() error {
			for r := start; r < end; r++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				row := weights.Row(r, cols)
				out[r] = row.Dot(0, input, cols)
			}
			return nil
		})
	}
	return g.Wait()
}

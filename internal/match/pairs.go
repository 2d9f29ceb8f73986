package match

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"imagedecloner/internal/feature"
	"imagedecloner/internal/models"
)

// Item is one image entering the pairwise comparison.
type Item struct {
	ID      string
	Feature feature.Feature
}

// FindPairs compares every pair of items with the strategy's metric and
// returns the pairs whose distance is at most threshold. Rows of the
// comparison matrix are spread over a bounded pool of workers; the result
// order depends only on the order of items, not on scheduling.
//
// The context is checked between rows, so a cancelled comparison returns
// ctx.Err() and no pairs.
func FindPairs(ctx context.Context, items []Item, strategy feature.Strategy, threshold float64, workers int) ([]models.SimilarityPair, error) {
	n := len(items)
	if n < 2 {
		return nil, nil
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	rows := make([][]models.SimilarityPair, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < n-1; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var row []models.SimilarityPair
			for j := i + 1; j < n; j++ {
				dist, err := strategy.Distance(items[i].Feature, items[j].Feature)
				if err != nil {
					return fmt.Errorf("compare %s and %s: %w", items[i].ID, items[j].ID, err)
				}
				if dist <= threshold {
					row = append(row, models.SimilarityPair{A: items[i].ID, B: items[j].ID, Distance: dist})
				}
			}
			rows[i] = row
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var pairs []models.SimilarityPair
	for _, row := range rows {
		pairs = append(pairs, row...)
	}
	return pairs, nil
}

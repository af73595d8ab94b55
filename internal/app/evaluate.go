package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"price-pusher/internal/prices"
)

// Evaluate runs one poll round and one listener pass per group, then prints
// the assets that would be pushed. Nothing is published.
func (a *App) Evaluate(ctx context.Context, w io.Writer) error {
	p, err := a.buildPipeline(ctx, nil, false)
	if err != nil {
		return err
	}
	defer p.close()

	res, err := p.orch.EvaluateOnce(ctx)
	if err != nil {
		return err
	}
	return renderEvaluation(w, res)
}

func renderEvaluation(w io.Writer, res map[string][]prices.Asset) error {
	groups := make([]string, 0, len(res))
	for g := range res {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Group\tPair\tType\tUpdate")
	for _, g := range groups {
		if len(res[g]) == 0 {
			fmt.Fprintf(writer, "%s\t-\t-\tno\n", g)
			continue
		}
		for _, asset := range res[g] {
			fmt.Fprintf(writer, "%s\t%s\t%s\tyes\n", g, asset.Pair.ID(), asset.DataType)
		}
	}
	return writer.Flush()
}

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/Sternrassler/onyphe-client/pkg/onyphe"
	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/Sternrassler/onyphe-client/pkg/retry"
	"github.com/spf13/cobra"
)

type batchRecord struct {
	Query  string          `json:"query"`
	Page   int             `json:"page"`
	Record json.RawMessage `json:"record"`
}

func (a *app) batchCmd() *cobra.Command {
	var (
		p           pageFlags
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "batch [FILE]",
		Short: "Run many searches (one OQL query per line) with bounded concurrency",
		Long: `Run every OQL query of FILE (or stdin) as its own paged search.
Each query fetches its pages in order; at most --concurrency queries run at
once. Records are written as {"query", "page", "record"} objects in input
order. A failing query does not stop the others.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, closeInput, err := a.openInput(args)
			if err != nil {
				return err
			}
			defer closeInput()

			queries, err := readQueries(input)
			if err != nil {
				return err
			}
			if len(queries) == 0 {
				return fmt.Errorf("%w: no queries", onyphe.ErrInvalidArgument)
			}

			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				return runBatch(ctx, rt, queries, p, concurrency)
			})
		},
	}
	p.register(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", pagination.DefaultRunnerConfig().MaxConcurrency, "Queries run in parallel")
	return cmd
}

func runBatch(ctx context.Context, rt *runtime, queries []string, p pageFlags, concurrency int) error {
	first, last := p.window()
	paged := retry.Paged(onyphe.Paged(rt.client.SearchPage), rt.retry)
	seq := func(ctx context.Context, oql string) iter.Seq2[pagination.Item[onyphe.Record], error] {
		return pagination.Iterate(ctx, paged, oql, first, last)
	}

	results, runErr := pagination.Run(ctx, pagination.RunnerConfig{MaxConcurrency: concurrency}, queries, seq)
	for _, res := range results {
		for _, item := range res.Values {
			if err := rt.out.Value(batchRecord{Query: res.Query, Page: item.Page, Record: item.Value}); err != nil {
				return err
			}
		}
	}
	return runErr
}

// readQueries returns the non-empty lines of r, skipping # comments.
func readQueries(r io.Reader) ([]string, error) {
	var queries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		queries = append(queries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queries: %w", err)
	}
	return queries, nil
}

package cli

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/Sternrassler/onyphe-client/pkg/onyphe"
	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/Sternrassler/onyphe-client/pkg/retry"
	"github.com/spf13/cobra"
)

// pageFlags select a page window. A non-zero page fetches just that page.
type pageFlags struct {
	page  int
	first int
	last  int
}

func (p *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.page, "page", 0, "Fetch only this page")
	cmd.Flags().IntVar(&p.first, "first", 1, "First page to fetch")
	cmd.Flags().IntVar(&p.last, "last", 0, "Last page to fetch (0 = until the last page)")
}

func (p pageFlags) window() (int, int) {
	if p.page > 0 {
		return p.page, p.page
	}
	return p.first, p.last
}

// writePages drains a paged operation into the record writer, retrying each
// page on its own according to the runtime policy.
func writePages[A any](ctx context.Context, rt *runtime, op onyphe.PageFunc[A], args A, p pageFlags) error {
	first, last := p.window()
	paged := retry.Paged(onyphe.Paged(op), rt.retry)
	for item, err := range pagination.Iterate(ctx, paged, args, first, last) {
		if err != nil {
			return err
		}
		if err := rt.out.Raw(item.Value); err != nil {
			return err
		}
	}
	return nil
}

// writeStream drains an export or bulk stream. Streams are never retried:
// records already written cannot be taken back.
func writeStream(rt *runtime, seq iter.Seq2[onyphe.StreamItem, error]) error {
	for item, err := range seq {
		if err != nil {
			return err
		}
		if err := rt.out.Raw(item.Record); err != nil {
			return err
		}
	}
	return nil
}

func writeResults(rt *runtime, page *onyphe.Page) error {
	for _, record := range page.Results {
		if err := rt.out.Raw(record); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) userCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user",
		Short: "Show account information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				page, err := retry.Value(ctx, rt.retry, rt.client.User)
				if err != nil {
					return err
				}
				return writeResults(rt, page)
			})
		},
	}
}

func (a *app) myIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "myip",
		Short: "Show your public IP address as seen by the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				ip, err := retry.Value(ctx, rt.retry, rt.client.MyIP)
				if err != nil {
					return err
				}
				return rt.out.Value(map[string]string{"myip": ip})
			})
		},
	}
}

func (a *app) searchCmd() *cobra.Command {
	var p pageFlags
	cmd := &cobra.Command{
		Use:   "search OQL",
		Short: "Search with an OQL query, page by page",
		Example: `  onyphe search 'category:synscan ip:8.8.8.8'
  onyphe search 'category:datascan port:443' --first 2 --last 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				return writePages(ctx, rt, rt.client.SearchPage, args[0], p)
			})
		},
	}
	p.register(cmd)
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export OQL",
		Short: "Stream every record matching an OQL query (Eagle View subscription)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				return writeStream(rt, rt.client.Export(ctx, args[0]))
			})
		},
	}
}

func (a *app) summaryCmd() *cobra.Command {
	var p pageFlags
	cmd := &cobra.Command{
		Use:       "summary {ip|domain|hostname} NEEDLE",
		Short:     "Summarize everything known about an IP, domain or hostname",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"ip", "domain", "hostname"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				q := onyphe.SummaryQuery{Type: onyphe.SummaryType(args[0]), Needle: args[1]}
				return writePages(ctx, rt, rt.client.SummaryPage, q, p)
			})
		},
	}
	p.register(cmd)
	return cmd
}

func (a *app) bestCmd() *cobra.Command {
	var p pageFlags
	cmd := &cobra.Command{
		Use:   "best {whois|geoloc|inetnum|threatlist} IP",
		Short: "Show the best record of a category for an IP",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				q := onyphe.BestQuery{Category: onyphe.Category(args[0]), IP: args[1]}
				return writePages(ctx, rt, rt.client.BestPage, q, p)
			})
		},
	}
	p.register(cmd)
	return cmd
}

func (a *app) alertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Manage alerts",
	}

	var p pageFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				return writePages(ctx, rt, rt.client.AlertPage, struct{}{}, p)
			})
		},
	}
	p.register(list)

	add := &cobra.Command{
		Use:   "add NAME OQL EMAIL",
		Short: "Add an alert",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				page, err := rt.client.AlertAdd(ctx, onyphe.Alert{Name: args[0], Query: args[1], Email: args[2]})
				if err != nil {
					return err
				}
				return rt.out.Value(page)
			})
		},
	}

	del := &cobra.Command{
		Use:   "del ID",
		Short: "Delete an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, rt *runtime) error {
				page, err := rt.client.AlertDel(ctx, args[0])
				if err != nil {
					return err
				}
				return rt.out.Value(page)
			})
		},
	}

	cmd.AddCommand(list, add, del)
	return cmd
}

func (a *app) bulkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Bulk lookups from a file (one entry per line, - for stdin)",
	}

	bulk := func(use, short string, stream func(ctx context.Context, rt *runtime, kind string, input io.Reader) iter.Seq2[onyphe.StreamItem, error]) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				input, closeInput, err := a.openInput(args[1:])
				if err != nil {
					return err
				}
				defer closeInput()
				return a.run(cmd, func(ctx context.Context, rt *runtime) error {
					return writeStream(rt, stream(ctx, rt, args[0], input))
				})
			},
		}
	}

	cmd.AddCommand(
		bulk("summary {ip|domain|hostname} [FILE]", "Summaries for many needles",
			func(ctx context.Context, rt *runtime, kind string, input io.Reader) iter.Seq2[onyphe.StreamItem, error] {
				return rt.client.BulkSummary(ctx, onyphe.SummaryType(kind), input)
			}),
		bulk("best {whois|geoloc|inetnum|threatlist} [FILE]", "Best record of a category for many IPs",
			func(ctx context.Context, rt *runtime, kind string, input io.Reader) iter.Seq2[onyphe.StreamItem, error] {
				return rt.client.BulkSimpleBestIP(ctx, onyphe.Category(kind), input)
			}),
		bulk("discovery CATEGORY [FILE]", "Discover assets of a category for many needles",
			func(ctx context.Context, rt *runtime, kind string, input io.Reader) iter.Seq2[onyphe.StreamItem, error] {
				return rt.client.BulkDiscoveryAsset(ctx, onyphe.Category(kind), input)
			}),
	)
	return cmd
}

// openInput opens the optional FILE argument, defaulting to stdin.
func (a *app) openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return a.opts.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", onyphe.ErrInvalidArgument, err)
	}
	return f, func() { _ = f.Close() }, nil
}

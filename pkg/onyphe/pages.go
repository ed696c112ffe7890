package onyphe

import (
	"context"
	"iter"

	"github.com/Sternrassler/onyphe-client/pkg/pagination"
)

// PageFunc is a single-page API call taking its arguments as A.
type PageFunc[A any] func(ctx context.Context, args A, page int) (*Page, error)

// Paged adapts a single-page call to the pagination.PagedFunc shape.
func Paged[A any](op PageFunc[A]) pagination.PagedFunc[A, Record] {
	return func(ctx context.Context, args A, page int) (pagination.Batch[Record], error) {
		p, err := op(ctx, args, page)
		if err != nil {
			return pagination.Batch[Record]{}, err
		}
		return Batch(p), nil
	}
}

// Batch converts a Page to a pagination batch.
func Batch(p *Page) pagination.Batch[Record] {
	return pagination.Batch[Record]{
		Page:    p.Page,
		MaxPage: p.MaxPage,
		Items:   p.Results,
	}
}

// SummaryQuery groups the arguments of Summary.
type SummaryQuery struct {
	Type   SummaryType
	Needle string
}

// BestQuery groups the arguments of SimpleBest.
type BestQuery struct {
	Category Category
	IP       string
}

// SearchPage is Search in PageFunc form.
func (c *Client) SearchPage(ctx context.Context, oql string, page int) (*Page, error) {
	return c.Search(ctx, oql, page)
}

// SummaryPage is Summary in PageFunc form.
func (c *Client) SummaryPage(ctx context.Context, q SummaryQuery, page int) (*Page, error) {
	return c.Summary(ctx, q.Type, q.Needle, page)
}

// BestPage is SimpleBest in PageFunc form.
func (c *Client) BestPage(ctx context.Context, q BestQuery, page int) (*Page, error) {
	return c.SimpleBest(ctx, q.Category, q.IP, page)
}

// AlertPage is AlertList in PageFunc form; args is ignored.
func (c *Client) AlertPage(ctx context.Context, _ struct{}, page int) (*Page, error) {
	return c.AlertList(ctx, page)
}

// SearchPages iterates the results of oql over pages first..last inclusive.
// last 0 continues until the server reports the final page.
func (c *Client) SearchPages(ctx context.Context, oql string, first, last int) iter.Seq2[pagination.Item[Record], error] {
	return pagination.Iterate(ctx, Paged(c.SearchPage), oql, first, last)
}

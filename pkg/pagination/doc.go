// Package pagination turns single-page API operations into lazy record sequences.
//
// The API serves search results in pages and reports the last page number in
// each response. A Pager requests pages strictly one after another, never two
// at once, so a run never stacks requests on top of the upstream rate limit:
//
//	pager := pagination.NewPager(fetch, pagination.Range{First: 1, Last: 5})
//	for item, err := range pager.All(ctx) {
//		if err != nil {
//			// partial results: everything yielded so far is valid
//			return err
//		}
//		fmt.Println(item.Page, item.Value)
//	}
//
// Iteration stops at the first of: the page the server reports as last, the
// caller's Last bound, a page with zero records, or an error. Both stop
// signals from the server are honored independently because the reported page
// count is not always consistent with the data.
//
// Iterate composes any operation of the shape func(ctx, args, page) over a
// page window. Run executes several independent sequences with a bounded
// number of workers; each sequence stays sequential on its own.
package pagination

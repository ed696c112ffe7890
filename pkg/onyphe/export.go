package onyphe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/url"

	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
)

// Export streams every record matching oql over one long-lived response.
//
// Records are decoded one at a time as they arrive; the body is never
// buffered whole. The export gate (one stream per API key by default) is held
// from the first request until the sequence ends or the consumer stops
// ranging, at which point the response and its connection are released.
//
// A malformed object ends the sequence with a *DecodeError and a connection
// drop with a *transport.Error; items already yielded stay valid.
func (c *Client) Export(ctx context.Context, oql string) iter.Seq2[StreamItem, error] {
	if oql == "" {
		return failed(invalidArgument("empty query"))
	}
	return c.stream(ctx, func() *transport.Request {
		return &transport.Request{
			Method:  http.MethodGet,
			Path:    "export/" + url.PathEscape(oql),
			Feature: ratelimit.FeatureExport,
		}
	})
}

// BulkSummary posts needles (one per line) and streams one summary record per
// match. needles is consumed by the first iteration.
func (c *Client) BulkSummary(ctx context.Context, summaryType SummaryType, needles io.Reader) iter.Seq2[StreamItem, error] {
	if !summaryType.Valid() {
		return failed(invalidArgument("unsupported summary type %q", summaryType))
	}
	return c.bulk(ctx, ratelimit.FeatureBulkSummary, "bulk/summary/"+string(summaryType), needles)
}

// BulkSimpleBestIP posts IP addresses (one per line) and streams the best
// record of category for each.
func (c *Client) BulkSimpleBestIP(ctx context.Context, category Category, ips io.Reader) iter.Seq2[StreamItem, error] {
	if !category.SupportsBest() {
		return failed(invalidArgument("category %q has no best endpoint", category))
	}
	return c.bulk(ctx, ratelimit.FeatureBulkSimpleBestIP, "bulk/simple/"+string(category)+"/best/ip", ips)
}

// BulkDiscoveryAsset posts assets (one per line) and streams every record of
// category discovered for them.
func (c *Client) BulkDiscoveryAsset(ctx context.Context, category Category, assets io.Reader) iter.Seq2[StreamItem, error] {
	if !category.Valid() {
		return failed(invalidArgument("unknown category %q", category))
	}
	return c.bulk(ctx, ratelimit.FeatureBulkDiscoveryAsset, "bulk/discovery/"+string(category)+"/asset", assets)
}

func (c *Client) bulk(ctx context.Context, feature ratelimit.Feature, path string, body io.Reader) iter.Seq2[StreamItem, error] {
	if body == nil {
		return failed(invalidArgument("bulk input is required"))
	}
	return c.stream(ctx, func() *transport.Request {
		return &transport.Request{
			Method:      http.MethodPost,
			Path:        path,
			Body:        body,
			ContentType: "text/plain",
			Feature:     feature,
		}
	})
}

func (c *Client) stream(ctx context.Context, build func() *transport.Request) iter.Seq2[StreamItem, error] {
	return func(yield func(StreamItem, error) bool) {
		req := build()

		release, err := c.gates.Acquire(ctx, req.Feature)
		if err != nil {
			yield(StreamItem{}, c.fail(req.Feature, err))
			return
		}
		defer release()

		resp, err := c.perform(ctx, req)
		if err != nil {
			yield(StreamItem{}, c.fail(req.Feature, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			yield(StreamItem{}, c.fail(req.Feature, rejection(resp)))
			return
		}

		c.logger.Info().
			Str("request_id", resp.RequestID).
			Str("feature", string(req.Feature)).
			Msg("Stream opened")

		count := 0
		defer func() {
			c.logger.Info().
				Str("request_id", resp.RequestID).
				Str("feature", string(req.Feature)).
				Int("records", count).
				Msg("Stream closed")
		}()

		dec := json.NewDecoder(resp.Body)
		for index := 0; ; index++ {
			var record json.RawMessage
			err := dec.Decode(&record)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamItem{}, c.fail(req.Feature, streamError(index, err)))
				return
			}

			count++
			streamRecordsTotal.WithLabelValues(string(req.Feature)).Inc()
			if !yield(StreamItem{Index: index, Record: record}, nil) {
				return
			}
		}
	}
}

// streamError keeps transport faults from the body reader as they are and
// reports everything else, including a truncated object, as a decode error.
func streamError(index int, err error) error {
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		return err
	}
	return &DecodeError{Index: index, Err: err}
}

func failed(err error) iter.Seq2[StreamItem, error] {
	return func(yield func(StreamItem, error) bool) {
		yield(StreamItem{}, err)
	}
}

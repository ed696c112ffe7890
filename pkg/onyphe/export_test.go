package onyphe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/onyphe-client/internal/testutil"
	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/rs/zerolog"
)

func TestExport_YieldsIndexedRecordsInOrder(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/export/category:datascan", testutil.StreamHandler(testutil.Records("10.0.0", 25)...))

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.Export(context.Background(), "category:datascan"))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if len(items) != 25 {
		t.Fatalf("items = %d, want 25", len(items))
	}
	for i, item := range items {
		if item.Index != i {
			t.Errorf("item %d index = %d", i, item.Index)
		}
		if seq := decodeRecord(t, item.Record)["seq"]; seq != float64(i) {
			t.Errorf("item %d seq = %v, want arrival order", i, seq)
		}
	}
}

func TestExport_ConcatenatedObjects(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/export/q", testutil.RawStreamHandler(`{"seq":0}{"seq":1}`, ` {"se`, `q":2}`+"\n"))

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.Export(context.Background(), "q"))
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if decodeRecord(t, items[2].Record)["seq"] != float64(2) {
		t.Errorf("object split across chunks decoded wrongly: %s", items[2].Record)
	}
}

func TestExport_MalformedObjectKeepsEarlierItems(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/export/q", testutil.RawStreamHandler(
		"{\"seq\":0}\n", "{\"seq\":1}\n", "{\"seq\": oops}\n", "{\"seq\":3}\n"))

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.Export(context.Background(), "q"))

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if decodeErr.Index != 2 {
		t.Errorf("decode error index = %d, want 2", decodeErr.Index)
	}
	if len(items) != 2 || items[1].Index != 1 {
		t.Errorf("items = %+v, want the two objects before the fault", items)
	}
}

func TestExport_TruncatedObjectIsDecodeError(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/export/q", testutil.RawStreamHandler("{\"seq\":0}\n", "{\"seq\":"))

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.Export(context.Background(), "q"))
	if Kind(err) != KindDecode || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want decode error wrapping io.ErrUnexpectedEOF", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestExport_ConnectionDropIsTransportError(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/export/q", func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/x-ndjson\r\nTransfer-Encoding: chunked\r\n\r\n")
		_, _ = buf.WriteString("a\r\n{\"seq\":0}\n\r\n")
		_ = buf.Flush()
	})

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.Export(context.Background(), "q"))
	if Kind(err) != KindTransport {
		t.Errorf("Kind(%v) = %q, want transport", err, Kind(err))
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1 before the drop", len(items))
	}
}

// holdHandler streams one record, then blocks until the client goes away.
func holdHandler(released chan<- struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, "{\"seq\":0}\n{\"seq\":1}\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(released)
		case <-time.After(5 * time.Second):
		}
	}
}

func TestExport_AbandonReleasesConnection(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	released := make(chan struct{})
	mock.SetHandler("/api/v2/export/hold", holdHandler(released))

	client := newTestClient(t, mock, Config{})
	for item, err := range client.Export(context.Background(), "hold") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if item.Index == 0 {
			break
		}
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("server still holds the request after the consumer stopped")
	}
}

func TestExport_GateHeldForStreamLifetime(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	released := make(chan struct{})
	mock.SetHandler("/api/v2/export/hold", holdHandler(released))
	mock.SetHandler("/api/v2/export/quick", testutil.StreamHandler(testutil.Records("q", 2)...))

	client := newTestClient(t, mock, Config{})
	next, stop := iter.Pull2(client.Export(context.Background(), "hold"))
	if _, err, ok := next(); !ok || err != nil {
		t.Fatalf("first export did not start: ok=%v err=%v", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := pagination.Collect(client.Export(ctx, "quick"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("concurrent export err = %v, want it to wait on the gate", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("request count = %d, want 1 while the gate is held", mock.RequestCount())
	}

	stop()

	items, err := pagination.Collect(client.Export(context.Background(), "quick"))
	if err != nil || len(items) != 2 {
		t.Errorf("export after release: items=%d err=%v", len(items), err)
	}
}

func TestGateWaitIsReportedAsFailure(t *testing.T) {
	tests := []struct {
		name    string
		feature ratelimit.Feature
		call    func(ctx context.Context, c *Client) error
	}{
		{"export", ratelimit.FeatureExport, func(ctx context.Context, c *Client) error {
			_, err := pagination.Collect(c.Export(ctx, "quick"))
			return err
		}},
		{"search", ratelimit.FeatureSearch, func(ctx context.Context, c *Client) error {
			_, err := c.Search(ctx, "quick", 1)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOnyphe()
			defer mock.Close()

			gates := ratelimit.NewGates(map[ratelimit.Feature]int{tt.feature: 1}, true)
			release, err := gates.Acquire(context.Background(), tt.feature)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			defer release()

			var logs bytes.Buffer
			logger := zerolog.New(&logs).Level(zerolog.DebugLevel)
			client := newTestClient(t, mock, Config{Gates: gates, Logger: &logger})

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			err = tt.call(ctx, client)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("err = %v, want DeadlineExceeded while the gate is held", err)
			}
			if Kind(err) != KindTransport {
				t.Errorf("Kind = %q, want transport", Kind(err))
			}
			if mock.RequestCount() != 0 {
				t.Errorf("request count = %d, want 0", mock.RequestCount())
			}
			out := logs.String()
			if !strings.Contains(out, "API call failed") || !strings.Contains(out, `"feature":"`+string(tt.feature)+`"`) {
				t.Errorf("failure was not logged: %s", out)
			}
		})
	}
}

func TestExport_GatesDisabled(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	released := make(chan struct{})
	mock.SetHandler("/api/v2/export/hold", holdHandler(released))
	mock.SetHandler("/api/v2/export/quick", testutil.StreamHandler(testutil.Records("q", 2)...))

	client := newTestClient(t, mock, Config{Gates: ratelimit.NewGates(nil, false)})
	next, stop := iter.Pull2(client.Export(context.Background(), "hold"))
	defer stop()
	if _, err, ok := next(); !ok || err != nil {
		t.Fatalf("first export did not start: ok=%v err=%v", ok, err)
	}

	items, err := pagination.Collect(client.Export(context.Background(), "quick"))
	if err != nil || len(items) != 2 {
		t.Errorf("ungated concurrent export: items=%d err=%v", len(items), err)
	}
}

func TestExport_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		response testutil.MockResponse
		check    func(t *testing.T, err error)
	}{
		{"forbidden", testutil.NewErrorResponse(http.StatusForbidden, 9, "subscription required"), func(t *testing.T, err error) {
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Message != "subscription required" {
				t.Errorf("err = %v", err)
			}
		}},
		{"rate limited", testutil.NewRateLimitResponse(""), func(t *testing.T, err error) {
			var rl *RateLimitError
			if !errors.As(err, &rl) || rl.RetryAfter != ratelimit.DefaultCooldown {
				t.Errorf("err = %v, want RateLimitError with default cooldown", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOnyphe()
			defer mock.Close()
			mock.SetResponse("/api/v2/export/q", tt.response)

			client := newTestClient(t, mock, Config{})
			items, err := pagination.Collect(client.Export(context.Background(), "q"))
			if len(items) != 0 {
				t.Errorf("items = %d, want 0", len(items))
			}
			tt.check(t, err)
		})
	}
}

func TestBulkSummary_PostsInput(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	var body, contentType, method string
	stream := testutil.StreamHandler(testutil.Records("192.0.2", 2)...)
	mock.SetHandler("/api/v2/bulk/summary/ip", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body, contentType, method = string(data), r.Header.Get("Content-Type"), r.Method
		stream(w, r)
	})

	client := newTestClient(t, mock, Config{})
	input := "192.0.2.1\n192.0.2.2\n"
	items, err := pagination.Collect(client.BulkSummary(context.Background(), SummaryIP, strings.NewReader(input)))
	if err != nil {
		t.Fatalf("BulkSummary() error = %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
	if method != http.MethodPost || body != input || contentType != "text/plain" {
		t.Errorf("request = %s %q (%s)", method, body, contentType)
	}
}

func TestBulkEndpoints_Paths(t *testing.T) {
	tests := []struct {
		name string
		path string
		call func(c *Client) iter.Seq2[StreamItem, error]
	}{
		{"best ip", "/api/v2/bulk/simple/threatlist/best/ip", func(c *Client) iter.Seq2[StreamItem, error] {
			return c.BulkSimpleBestIP(context.Background(), CategoryThreatlist, strings.NewReader("192.0.2.1\n"))
		}},
		{"discovery asset", "/api/v2/bulk/discovery/datascan/asset", func(c *Client) iter.Seq2[StreamItem, error] {
			return c.BulkDiscoveryAsset(context.Background(), CategoryDatascan, strings.NewReader("example.com\n"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOnyphe()
			defer mock.Close()
			mock.SetHandler(tt.path, testutil.StreamHandler(testutil.Records("x", 1)...))

			items, err := pagination.Collect(tt.call(newTestClient(t, mock, Config{})))
			if err != nil || len(items) != 1 {
				t.Errorf("items=%d err=%v", len(items), err)
			}
		})
	}
}

func TestBulk_InvalidArguments(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	client := newTestClient(t, mock, Config{})
	ctx := context.Background()

	seqs := map[string]iter.Seq2[StreamItem, error]{
		"summary type":  client.BulkSummary(ctx, "asn", strings.NewReader("x")),
		"best category": client.BulkSimpleBestIP(ctx, CategoryCTL, strings.NewReader("x")),
		"unknown":       client.BulkDiscoveryAsset(ctx, "nope", strings.NewReader("x")),
		"nil input":     client.BulkSummary(ctx, SummaryIP, nil),
		"empty oql":     client.Export(ctx, ""),
	}
	for name, seq := range seqs {
		if _, err := pagination.Collect(seq); Kind(err) != KindInvalid {
			t.Errorf("%s: err = %v, want invalid", name, err)
		}
	}
	if mock.RequestCount() != 0 {
		t.Errorf("request count = %d, want 0", mock.RequestCount())
	}
}

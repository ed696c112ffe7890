package onyphe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/onyphe-client/internal/testutil"
	"github.com/Sternrassler/onyphe-client/pkg/pagination"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, mock *testutil.MockOnyphe, cfg Config, mutate ...func(*transport.Config)) *Client {
	t.Helper()

	host, port := mock.HostPort()
	logger := zerolog.Nop()
	tc := transport.DefaultConfig(testutil.TestAPIKey)
	tc.Scheme = "http"
	tc.Host = host
	tc.Port = port
	tc.Logger = &logger
	for _, m := range mutate {
		m(&tc)
	}

	session, err := transport.New(tc)
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { session.Close() })

	if cfg.Logger == nil {
		cfg.Logger = &logger
	}
	return New(session, cfg)
}

func decodeRecord(t *testing.T, r Record) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(r, &m); err != nil {
		t.Fatalf("record is not a JSON object: %v", err)
	}
	return m
}

func TestSearch_EscapesQueryAndSendsPage(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.RequireAPIKey = true

	oql := "category:synscan ip:8.8.8.8"
	mock.SetSearchPages(oql, 1, testutil.Records("8.8.8", 3))

	client := newTestClient(t, mock, Config{})
	page, err := client.Search(context.Background(), oql, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if len(page.Results) != 3 {
		t.Errorf("results = %d, want 3", len(page.Results))
	}
	if page.MaxPage != 1 || page.Page != 1 || page.Total != 3 {
		t.Errorf("metadata = page %d max %d total %d", page.Page, page.MaxPage, page.Total)
	}
	if page.RequestID == "" {
		t.Error("RequestID should be set")
	}

	got := mock.LastRequestURL()
	if want := "/api/v2/search/category:synscan%20ip:8.8.8.8"; got.EscapedPath() != want {
		t.Errorf("path = %q, want %q", got.EscapedPath(), want)
	}
	if got.Query().Get("page") != "1" {
		t.Errorf("page param = %q, want 1", got.Query().Get("page"))
	}
}

func TestSearchPages_SinglePageFromTotalPages(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	mock.SetResponse("/api/v2/search/category:synscan ip:8.8.8.8", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"status":"ok","error":0,"page":2,"total_pages":5,"results":[{"ip":"8.8.8.8","port":53}]}`,
	})

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.SearchPages(context.Background(), "category:synscan ip:8.8.8.8", 2, 2))
	if err != nil {
		t.Fatalf("SearchPages() error = %v", err)
	}

	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].Page != 2 {
		t.Errorf("item page = %d, want 2", items[0].Page)
	}
	if rec := decodeRecord(t, items[0].Value); rec["ip"] != "8.8.8.8" {
		t.Errorf("record = %v", rec)
	}
	if fmt.Sprint(mock.RequestedPages()) != "[2]" {
		t.Errorf("requested pages = %v, want [2]", mock.RequestedPages())
	}
}

func TestSearchPages_AllPagesInOrder(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	mock.SetSearchPages("category:datascan", 3,
		testutil.Records("p1", 2), testutil.Records("p2", 2), testutil.Records("p3", 1))

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.SearchPages(context.Background(), "category:datascan", 1, 10))
	if err != nil {
		t.Fatalf("SearchPages() error = %v", err)
	}

	var got []string
	for _, item := range items {
		got = append(got, fmt.Sprintf("%d:%v", item.Page, decodeRecord(t, item.Value)["ip"]))
	}
	want := "[1:p1.0 1:p1.1 2:p2.0 2:p2.1 3:p3.0]"
	if fmt.Sprint(got) != want {
		t.Errorf("items = %v, want %s", got, want)
	}
	if fmt.Sprint(mock.RequestedPages()) != "[1 2 3]" {
		t.Errorf("requested pages = %v, want [1 2 3]", mock.RequestedPages())
	}
}

func TestSearchPages_APIErrorTerminates(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	pages := testutil.PagedHandler(5, testutil.Records("a", 1), testutil.Records("b", 1), testutil.Records("c", 1))
	mock.SetHandler("/api/v2/search/q", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"status":"nok","error":3,"text":"bad query"}`)
			return
		}
		pages(w, r)
	})

	client := newTestClient(t, mock, Config{})
	items, err := pagination.Collect(client.SearchPages(context.Background(), "q", 1, 0))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != 3 || apiErr.Message != "bad query" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1 from page 1", len(items))
	}
	if fmt.Sprint(mock.RequestedPages()) != "[1 2]" {
		t.Errorf("requested pages = %v, want [1 2]", mock.RequestedPages())
	}
}

func TestSearch_InvalidArguments(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	client := newTestClient(t, mock, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"page zero", func() error { _, err := client.Search(ctx, "q", 0); return err }},
		{"empty query", func() error { _, err := client.Search(ctx, "", 1); return err }},
		{"bad summary type", func() error { _, err := client.Summary(ctx, "asn", "x", 1); return err }},
		{"best unsupported", func() error { _, err := client.SimpleBest(ctx, CategorySynscan, "1.1.1.1", 1); return err }},
		{"alert missing email", func() error { _, err := client.AlertAdd(ctx, Alert{Name: "n", Query: "q"}); return err }},
		{"alert del empty", func() error { _, err := client.AlertDel(ctx, ""); return err }},
		{"pages last before first", func() error {
			_, err := pagination.Collect(client.SearchPages(ctx, "q", 3, 2))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if Kind(err) != KindInvalid {
				t.Errorf("Kind(%v) = %q, want %q", err, Kind(err), KindInvalid)
			}
		})
	}

	if mock.RequestCount() != 0 {
		t.Errorf("invalid calls reached the server %d times", mock.RequestCount())
	}
}

func TestPage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		response testutil.MockResponse
		wantKind ErrorKind
		check    func(t *testing.T, err error)
	}{
		{
			name:     "rejected with envelope",
			response: testutil.NewErrorResponse(http.StatusBadRequest, 5, "syntax error"),
			wantKind: KindAPI,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				errors.As(err, &apiErr)
				if apiErr.Code != 5 || apiErr.Message != "syntax error" {
					t.Errorf("apiErr = %+v", apiErr)
				}
			},
		},
		{
			name:     "server error without envelope",
			response: testutil.NewServerErrorResponse(),
			wantKind: KindAPI,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				errors.As(err, &apiErr)
				if apiErr.Code != -1 || apiErr.Message != "error text is missing" || apiErr.StatusCode != 500 {
					t.Errorf("apiErr = %+v", apiErr)
				}
			},
		},
		{
			name:     "ok status with nok envelope",
			response: testutil.MockResponse{StatusCode: 200, Body: `{"status":"nok","error":4,"text":"quota"}`},
			wantKind: KindAPI,
			check: func(t *testing.T, err error) {
				var apiErr *APIError
				errors.As(err, &apiErr)
				if apiErr.StatusCode != 200 || apiErr.Code != 4 {
					t.Errorf("apiErr = %+v", apiErr)
				}
			},
		},
		{
			name:     "rate limited",
			response: testutil.NewRateLimitResponse("7"),
			wantKind: KindAPI,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("err = %v, want *RateLimitError", err)
				}
				if rl.RetryAfter != 7*time.Second || rl.Local {
					t.Errorf("rate limit = %+v", rl)
				}
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
					t.Errorf("RateLimitError should unwrap to a 429 APIError, got %v", apiErr)
				}
			},
		},
		{
			name:     "malformed json",
			response: testutil.MockResponse{StatusCode: 200, Body: `{"status":"ok","results":[`},
			wantKind: KindDecode,
			check: func(t *testing.T, err error) {
				var decodeErr *DecodeError
				if !errors.As(err, &decodeErr) || decodeErr.Index != -1 {
					t.Errorf("err = %v, want envelope DecodeError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOnyphe()
			defer mock.Close()
			mock.SetResponse("/api/v2/user", tt.response)

			client := newTestClient(t, mock, Config{})
			page, err := client.User(context.Background())
			if err == nil {
				t.Fatalf("User() = %+v, want error", page)
			}
			if got := Kind(err); got != tt.wantKind {
				t.Errorf("Kind() = %q, want %q (err %v)", got, tt.wantKind, err)
			}
			tt.check(t, err)
		})
	}
}

func TestKind_Transport(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	client := newTestClient(t, mock, Config{})
	mock.Close()

	_, err := client.User(context.Background())
	if Kind(err) != KindTransport {
		t.Errorf("Kind(%v) = %q, want transport", err, Kind(err))
	}
	if Kind(nil) != "" {
		t.Errorf("Kind(nil) = %q, want empty", Kind(nil))
	}
	if Kind(errors.New("other")) != KindUnknown {
		t.Error("plain error should be unknown")
	}
}

func TestLocalCooldownBecomesRateLimitError(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetResponse("/api/v2/user", testutil.NewRateLimitResponse("30"))

	tracker := ratelimit.NewTracker(ratelimit.NewMemoryStore(), zerolog.Nop())
	client := newTestClient(t, mock, Config{}, func(c *transport.Config) { c.Tracker = tracker })

	if _, err := client.User(context.Background()); Kind(err) != KindAPI {
		t.Fatalf("first call err = %v, want api error", err)
	}

	_, err := client.User(context.Background())
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want *RateLimitError", err)
	}
	if !rl.Local || rl.RetryAfter <= 0 {
		t.Errorf("rate limit = %+v, want local block with positive RetryAfter", rl)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("request count = %d, want 1 (second call blocked locally)", mock.RequestCount())
	}
}

func TestMyIP(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetHandler("/api/v2/myip", testutil.PagedHandler(1))

	client := newTestClient(t, mock, Config{})
	ip, err := client.MyIP(context.Background())
	if err != nil {
		t.Fatalf("MyIP() error = %v", err)
	}
	if ip != "192.0.2.10" {
		t.Errorf("MyIP() = %q, want 192.0.2.10", ip)
	}
}

func TestMyIP_MissingField(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetResponse("/api/v2/myip", testutil.MockResponse{StatusCode: 200, Body: `{"status":"ok","error":0,"results":[]}`})

	client := newTestClient(t, mock, Config{})
	if _, err := client.MyIP(context.Background()); Kind(err) != KindDecode {
		t.Errorf("err = %v, want decode error", err)
	}
}

func TestEndpointPaths(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		path       string
		wantMethod string
		call       func(c *Client) error
	}{
		{"summary", "/api/v2/summary/domain/example.com", http.MethodGet, func(c *Client) error {
			_, err := c.Summary(ctx, SummaryDomain, "example.com", 1)
			return err
		}},
		{"simple best", "/api/v2/simple/geoloc/best/192.0.2.1", http.MethodGet, func(c *Client) error {
			_, err := c.SimpleBest(ctx, CategoryGeoloc, "192.0.2.1", 1)
			return err
		}},
		{"alert list", "/api/v2/alert/list", http.MethodGet, func(c *Client) error {
			_, err := c.AlertList(ctx, 1)
			return err
		}},
		{"alert del", "/api/v2/alert/del/42", http.MethodPost, func(c *Client) error {
			_, err := c.AlertDel(ctx, "42")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockOnyphe()
			defer mock.Close()

			var method string
			handler := testutil.PagedHandler(1, testutil.Records("r", 1))
			mock.SetHandler(tt.path, func(w http.ResponseWriter, r *http.Request) {
				method = r.Method
				handler(w, r)
			})

			if err := tt.call(newTestClient(t, mock, Config{})); err != nil {
				t.Fatalf("call error = %v", err)
			}
			if method != tt.wantMethod {
				t.Errorf("method = %s, want %s", method, tt.wantMethod)
			}
		})
	}
}

func TestAlertAdd_PostsJSON(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()

	var got Alert
	var contentType string
	mock.SetHandler("/api/v2/alert/add", func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok","error":0,"text":"alert added","results":[]}`)
	})

	client := newTestClient(t, mock, Config{})
	alert := Alert{Name: "dns", Query: "category:datascan port:53", Email: "soc@example.com"}
	page, err := client.AlertAdd(context.Background(), alert)
	if err != nil {
		t.Fatalf("AlertAdd() error = %v", err)
	}
	if got != alert {
		t.Errorf("server received %+v, want %+v", got, alert)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if page.Text != "alert added" {
		t.Errorf("Text = %q", page.Text)
	}
}

func TestWithTimeouts_AppliesToCalls(t *testing.T) {
	mock := testutil.NewMockOnyphe()
	defer mock.Close()
	mock.SetResponse("/api/v2/user", testutil.MockResponse{StatusCode: 200, Body: `{"status":"ok","error":0,"results":[]}`, Delay: 300 * time.Millisecond})

	client := newTestClient(t, mock, Config{})
	_, err := client.WithTimeouts(transport.Timeouts{Total: 50 * time.Millisecond}).User(context.Background())
	if !errors.Is(err, transport.ErrTotalTimeout) {
		t.Errorf("err = %v, want ErrTotalTimeout", err)
	}

	if _, err := client.User(context.Background()); err != nil {
		t.Errorf("original client should keep session budgets, got %v", err)
	}
}

func TestCategoryHelpers(t *testing.T) {
	if !CategoryThreatlist.SupportsBest() || CategoryDatascan.SupportsBest() {
		t.Error("SupportsBest mismatch")
	}
	if !CategoryOnionshot.Valid() || Category("nope").Valid() {
		t.Error("Valid mismatch")
	}
	if !SummaryHostname.Valid() || SummaryType("asn").Valid() {
		t.Error("SummaryType.Valid mismatch")
	}
	if len(Categories) != 15 {
		t.Errorf("Categories = %d, want 15", len(Categories))
	}
}

func TestAPIError_Messages(t *testing.T) {
	err := &APIError{StatusCode: 400, Code: 3, Message: "bad"}
	if !strings.Contains(err.Error(), "status 400") || !strings.Contains(err.Error(), "bad") {
		t.Errorf("Error() = %q", err.Error())
	}
	rl := &RateLimitError{APIError: APIError{StatusCode: 429}, RetryAfter: time.Second, Local: true}
	if !strings.Contains(rl.Error(), "rate limiting triggered") {
		t.Errorf("Error() = %q", rl.Error())
	}
	de := &DecodeError{Index: 4, Err: io.ErrUnexpectedEOF}
	if !errors.Is(de, io.ErrUnexpectedEOF) || !strings.Contains(de.Error(), "object 4") {
		t.Errorf("DecodeError = %q", de.Error())
	}
}

// Package onyphe provides the Onyphe API client: one method per endpoint,
// envelope decoding, streaming export decoding and the error taxonomy.
//
// Every call resolves to exactly one of a payload, an *APIError (or
// *RateLimitError), a *transport.Error or a *DecodeError. Nothing is retried;
// see package retry for a caller-level policy.
package onyphe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/onyphe-client/pkg/logging"
	"github.com/Sternrassler/onyphe-client/pkg/ratelimit"
	"github.com/Sternrassler/onyphe-client/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API outcomes.
var (
	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_api_errors_total",
		Help: "Total API calls that failed, by feature and error kind",
	}, []string{"feature", "kind"})

	streamRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onyphe_stream_records_total",
		Help: "Total records decoded from export and bulk streams, by feature",
	}, []string{"feature"})
)

// maxErrorBody bounds how much of a rejected response is read for its message.
const maxErrorBody = 1 << 20

// Performer is the part of *transport.Session the client consumes.
type Performer interface {
	Perform(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Config holds client configuration.
type Config struct {
	// Gates bounds concurrent calls per feature. Nil uses ratelimit.DefaultLimits.
	Gates *ratelimit.Gates

	// Timeouts overrides the session budgets for every call of this client.
	Timeouts *transport.Timeouts

	// Logger overrides the "onyphe" component logger.
	Logger *zerolog.Logger
}

// Client issues Onyphe API calls over a shared transport session.
// It is safe for concurrent use.
type Client struct {
	session  Performer
	gates    *ratelimit.Gates
	timeouts *transport.Timeouts
	logger   zerolog.Logger
}

// New creates a client on top of session.
func New(session Performer, cfg Config) *Client {
	gates := cfg.Gates
	if gates == nil {
		gates = ratelimit.NewGates(nil, true)
	}
	logger := logging.NewLogger("onyphe")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		session:  session,
		gates:    gates,
		timeouts: cfg.Timeouts,
		logger:   logger,
	}
}

// WithTimeouts returns a client sharing the session and gates but applying
// timeouts to each of its calls. Zero budgets keep the session value.
func (c *Client) WithTimeouts(timeouts transport.Timeouts) *Client {
	cp := *c
	cp.timeouts = &timeouts
	return &cp
}

// User returns the account information page.
func (c *Client) User(ctx context.Context) (*Page, error) {
	return c.getPage(ctx, ratelimit.FeatureUser, "user", nil)
}

// MyIP returns the caller's public address as seen by the API.
func (c *Client) MyIP(ctx context.Context) (string, error) {
	page, err := c.getPage(ctx, ratelimit.FeatureMyIP, "myip", nil)
	if err != nil {
		return "", err
	}
	if page.MyIP == "" {
		return "", c.fail(ratelimit.FeatureMyIP, &DecodeError{Index: -1, Err: errors.New("response has no myip field")})
	}
	return page.MyIP, nil
}

// Search runs an OQL query and returns one page of results. The query is
// forwarded verbatim.
func (c *Client) Search(ctx context.Context, oql string, page int) (*Page, error) {
	if oql == "" {
		return nil, invalidArgument("empty query")
	}
	params, err := pageParams(page)
	if err != nil {
		return nil, err
	}
	return c.getPage(ctx, ratelimit.FeatureSearch, "search/"+url.PathEscape(oql), params)
}

// Summary returns one page of the summary of needle (an IP, domain or hostname).
func (c *Client) Summary(ctx context.Context, summaryType SummaryType, needle string, page int) (*Page, error) {
	if !summaryType.Valid() {
		return nil, invalidArgument("unsupported summary type %q", summaryType)
	}
	if needle == "" {
		return nil, invalidArgument("empty summary needle")
	}
	params, err := pageParams(page)
	if err != nil {
		return nil, err
	}
	path := "summary/" + string(summaryType) + "/" + url.PathEscape(needle)
	return c.getPage(ctx, ratelimit.FeatureSummary, path, params)
}

// SimpleBest returns the single best result of category for ip.
func (c *Client) SimpleBest(ctx context.Context, category Category, ip string, page int) (*Page, error) {
	if !category.SupportsBest() {
		return nil, invalidArgument("category %q has no best endpoint", category)
	}
	if ip == "" {
		return nil, invalidArgument("empty ip")
	}
	params, err := pageParams(page)
	if err != nil {
		return nil, err
	}
	path := "simple/" + string(category) + "/best/" + url.PathEscape(ip)
	return c.getPage(ctx, ratelimit.FeatureSimpleBest, path, params)
}

// AlertList returns one page of configured alerts.
func (c *Client) AlertList(ctx context.Context, page int) (*Page, error) {
	params, err := pageParams(page)
	if err != nil {
		return nil, err
	}
	return c.getPage(ctx, ratelimit.FeatureAlertList, "alert/list", params)
}

// AlertAdd creates an alert notifying email when oql matches new data.
func (c *Client) AlertAdd(ctx context.Context, alert Alert) (*Page, error) {
	if alert.Name == "" || alert.Query == "" || alert.Email == "" {
		return nil, invalidArgument("alert name, query and email are required")
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert: %w", err)
	}
	return c.page(ctx, &transport.Request{
		Method:      http.MethodPost,
		Path:        "alert/add",
		Body:        bytes.NewReader(payload),
		ContentType: "application/json",
		Feature:     ratelimit.FeatureAlertAdd,
	})
}

// AlertDel deletes the alert with the given identifier.
func (c *Client) AlertDel(ctx context.Context, id string) (*Page, error) {
	if id == "" {
		return nil, invalidArgument("empty alert identifier")
	}
	return c.page(ctx, &transport.Request{
		Method:  http.MethodPost,
		Path:    "alert/del/" + url.PathEscape(id),
		Feature: ratelimit.FeatureAlertDel,
	})
}

func pageParams(page int) (url.Values, error) {
	if page < 1 {
		return nil, invalidArgument("page must be >= 1 (got %d)", page)
	}
	return url.Values{"page": []string{strconv.Itoa(page)}}, nil
}

func (c *Client) getPage(ctx context.Context, feature ratelimit.Feature, path string, params url.Values) (*Page, error) {
	return c.page(ctx, &transport.Request{
		Method:  http.MethodGet,
		Path:    path,
		Params:  params,
		Feature: feature,
	})
}

// page performs a single-document call and decodes the envelope.
func (c *Client) page(ctx context.Context, req *transport.Request) (*Page, error) {
	release, err := c.gates.Acquire(ctx, req.Feature)
	if err != nil {
		return nil, c.fail(req.Feature, err)
	}
	defer release()

	resp, err := c.perform(ctx, req)
	if err != nil {
		return nil, c.fail(req.Feature, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.fail(req.Feature, rejection(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(req.Feature, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, c.fail(req.Feature, &DecodeError{Index: -1, Err: err})
	}
	if env.Status != "ok" || env.Error != 0 {
		message := env.Text
		if message == "" {
			message = missingErrorText
		}
		return nil, c.fail(req.Feature, &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Error,
			Message:    message,
			RequestID:  resp.RequestID,
		})
	}

	c.logger.Debug().
		Str("request_id", resp.RequestID).
		Str("feature", string(req.Feature)).
		Int("page", env.Page).
		Int("results", len(env.Results)).
		Msg("Envelope decoded")

	return env.page(resp.RequestID), nil
}

// perform applies the client timeouts and maps a local cooldown block to a
// rate limit error.
func (c *Client) perform(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if c.timeouts != nil && req.Timeouts == nil {
		req.Timeouts = c.timeouts
	}

	resp, err := c.session.Perform(ctx, req)
	if err != nil {
		var cooldown *ratelimit.CooldownError
		if errors.As(err, &cooldown) {
			return nil, &RateLimitError{
				APIError: APIError{
					StatusCode: http.StatusTooManyRequests,
					Code:       -1,
					Message:    "rate limiting triggered",
				},
				RetryAfter: cooldown.RetryAfter,
				Local:      true,
			}
		}
		return nil, err
	}
	return resp, nil
}

// rejection builds the error for a response with status >= 300.
func rejection(resp *transport.Response) error {
	message, code := errorText(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := APIError{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    message,
		RequestID:  resp.RequestID,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			APIError:   apiErr,
			RetryAfter: ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	return &apiErr
}

// errorText extracts text and error code from an error envelope.
func errorText(r io.Reader) (string, int) {
	var body struct {
		Text  *string `json:"text"`
		Error *int    `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil || body.Text == nil || body.Error == nil {
		return missingErrorText, -1
	}
	return *body.Text, *body.Error
}

func (c *Client) fail(feature ratelimit.Feature, err error) error {
	kind := Kind(err)
	apiErrorsTotal.WithLabelValues(string(feature), string(kind)).Inc()

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		c.logger.Warn().
			Str("feature", string(feature)).
			Dur("retry_after", rateLimited.RetryAfter).
			Bool("local", rateLimited.Local).
			Msg("Rate limited")
		return err
	}

	c.logger.Debug().
		Err(err).
		Str("feature", string(feature)).
		Str("kind", string(kind)).
		Msg("API call failed")
	return err
}

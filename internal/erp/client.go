// Package erp exports records from the Odoo ERP through its web CSV export.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/fetcher"
	"github.com/kinhotel/pms-sync/internal/resilience"
)

// Field is one exported column.
type Field struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label" json:"label"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	Lang       string
	TZ         string
	UserID     int
	CompanyIDs []int
	Retry      resilience.RetryConfig
	Transport  http.RoundTripper
}

// Client holds one logged-in ERP session.
type Client struct {
	opts Options
	http *http.Client
	base *url.URL

	mu       sync.Mutex
	loggedIn bool
}

var (
	loginTokenRe = regexp.MustCompile(`name="csrf_token"\s*value="([^"]+)"`)
	pageTokenRes = []*regexp.Regexp{
		regexp.MustCompile(`csrf_token:\s*"([^"]+)"`),
		regexp.MustCompile(`"csrf_token"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`<input[^>]*name="csrf_token"[^>]*value="([^"]+)"`),
		regexp.MustCompile(`window.csrf_token\s*=\s*"([^"]+)"`),
	}
)

// New creates a client. Nothing is sent until the first export.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, eris.New("erp: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, eris.Wrap(err, "erp: parse base URL")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, eris.Wrap(err, "erp: cookie jar")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Lang == "" {
		opts.Lang = "en_US"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.OnRetry = resilience.RetryLogger("erp", "export")

	return &Client{
		opts: opts,
		base: base,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Jar:       jar,
			Transport: opts.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// Login runs the form login: fetch the CSRF token from the login page, post
// credentials and expect a 303 with a session cookie.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	c.loggedIn = false

	status, body, _, err := c.do(ctx, http.MethodGet, "/web/login", nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &resilience.ProtocolError{StatusCode: status, Reason: "login page"}
	}
	m := loginTokenRe.FindSubmatch(body)
	if m == nil {
		return &resilience.ProtocolError{StatusCode: status, Reason: "login page has no csrf token"}
	}

	form := url.Values{
		"csrf_token": {string(m[1])},
		"login":      {c.opts.Username},
		"password":   {c.opts.Password},
	}
	status, body, _, err = c.do(ctx, http.MethodPost, "/web/login", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	if status != http.StatusSeeOther {
		return &resilience.AuthError{StatusCode: status, Body: snippet(body)}
	}
	if !c.hasSession() {
		return &resilience.AuthError{StatusCode: status, Body: "no session_id cookie"}
	}

	c.loggedIn = true
	zap.L().Info("erp: logged in", zap.String("base_url", c.base.String()), zap.String("user", c.opts.Username))
	return nil
}

func (c *Client) hasSession() bool {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == "session_id" && ck.Value != "" {
			return true
		}
	}
	return false
}

type exportPayload struct {
	ImportCompat bool           `json:"import_compat"`
	Context      map[string]any `json:"context"`
	Domain       []any          `json:"domain"`
	Fields       []Field        `json:"fields"`
	GroupBy      []string       `json:"groupby"`
	IDs          bool           `json:"ids"`
	Model        string         `json:"model"`
}

// Export downloads model as CSV and returns one map per row keyed by column
// label. Transient failures are retried; an expired session triggers one
// re-login.
func (c *Client) Export(ctx context.Context, model string, fields []Field) ([]map[string]string, error) {
	if model == "" || len(fields) == 0 {
		return nil, eris.New("erp: export needs a model and fields")
	}
	body, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) ([]byte, error) {
		return c.exportOnce(ctx, model, fields)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "erp: export %s", model)
	}

	records, err := fetcher.ReadCSVRecords(ctx, bytes.NewReader(body), fetcher.CSVOptions{})
	if err != nil {
		return nil, eris.Wrapf(err, "erp: parse %s export", model)
	}
	zap.L().Info("erp: export complete",
		zap.String("model", model),
		zap.Int("rows", len(records)),
		zap.Int("bytes", len(body)),
	)
	return records, nil
}

func (c *Client) exportOnce(ctx context.Context, model string, fields []Field) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if !c.loggedIn {
			if err := c.login(ctx); err != nil {
				return nil, err
			}
		}
		body, expired, err := c.export(ctx, model, fields)
		if err != nil {
			return nil, err
		}
		if !expired {
			return body, nil
		}
		c.loggedIn = false
		if attempt > 0 {
			return nil, &resilience.AuthError{StatusCode: http.StatusOK, Body: "session expired after re-login"}
		}
		zap.L().Warn("erp: session expired, logging in again", zap.String("model", model))
	}
}

// export reports expired=true when the ERP answered with an HTML page
// instead of CSV.
func (c *Client) export(ctx context.Context, model string, fields []Field) ([]byte, bool, error) {
	status, page, _, err := c.do(ctx, http.MethodGet, "/web", nil, "")
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusSeeOther || status == http.StatusFound {
		return nil, true, nil
	}
	token := findPageToken(page)
	if token == "" {
		return nil, false, &resilience.ProtocolError{StatusCode: status, Reason: "web client page has no csrf token"}
	}

	payload := exportPayload{
		Context: map[string]any{
			"lang": c.opts.Lang,
			"tz":   c.opts.TZ,
		},
		Domain:  []any{},
		Fields:  fields,
		GroupBy: []string{},
		Model:   model,
	}
	if c.opts.UserID > 0 {
		payload.Context["uid"] = c.opts.UserID
	}
	if len(c.opts.CompanyIDs) > 0 {
		payload.Context["allowed_company_ids"] = c.opts.CompanyIDs
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, eris.Wrap(err, "erp: encode export payload")
	}
	form := url.Values{
		"data":       {string(data)},
		"token":      {"pms-sync"},
		"csrf_token": {token},
	}

	status, body, contentType, err := c.do(ctx, http.MethodPost, "/web/export/csv", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return nil, false, err
	}
	switch {
	case status == http.StatusOK && strings.Contains(contentType, "text/html"):
		return nil, true, nil
	case status == http.StatusOK:
		return body, false, nil
	case resilience.IsTransientHTTPStatus(status):
		return nil, false, resilience.NewTransientError(eris.Errorf("export returned %d", status), status)
	default:
		return nil, false, &resilience.ProtocolError{StatusCode: status, ContentType: contentType, Reason: snippet(body)}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return 0, nil, "", eris.Wrapf(err, "erp: build %s %s", method, path)
	}
	req.Header.Set("User-Agent", "pms-sync/1.0")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, "", ctx.Err()
		}
		return 0, nil, "", resilience.NewTransientError(eris.Wrapf(err, "erp: %s %s", method, path), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", resilience.NewTransientError(eris.Wrap(err, "erp: read body"), resp.StatusCode)
	}
	return resp.StatusCode, b, resp.Header.Get("Content-Type"), nil
}

func findPageToken(page []byte) string {
	for _, re := range pageTokenRes {
		if m := re.FindSubmatch(page); m != nil {
			return string(m[1])
		}
	}
	return ""
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// Package upstream implements the mirror's client for PyPI's Simple
// Repository API (PEP 691) and artifact downloads. Unlike the teacher's
// dual-format tolerance, this client speaks the JSON simple API exclusively:
// a non-JSON response from upstream is treated as fatal for the project.
package upstream

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	bandersnatch "github.com/pypa/bandersnatch-go"
)

const (
	// DefaultBaseURL is the default PyPI Simple API root.
	DefaultBaseURL = "https://pypi.org"

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 10 * time.Second

	// ContentTypeJSON is the PEP 691 JSON simple-API media type.
	ContentTypeJSON = "application/vnd.pypi.simple.v1+json"

	// DefaultMaxRetries bounds the retry loop for transient failures.
	DefaultMaxRetries = 3
)

// ErrNotFound is returned when a project or file does not exist upstream.
var ErrNotFound = errors.New("not found")

// ErrStalePage marks project metadata whose last_serial is older than the
// serial the caller required, meaning a cache or CDN returned data older
// than what the changelog promised. The Client does not return it itself;
// the pipeline wraps it once its retries for a fresh page run out.
var ErrStalePage = errors.New("stale page: upstream serial behind required serial")

// ErrChecksumMismatch is returned by StreamArtifact when the downloaded
// bytes don't hash to the expected digest.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrSizeMismatch is returned by StreamArtifact when the downloaded byte
// count doesn't match the expected size.
var ErrSizeMismatch = errors.New("size mismatch")

// APIMeta carries the PEP 691 "meta" envelope.
type APIMeta struct {
	APIVersion string `json:"api-version"`
}

// ProjectList is the root index response (PEP 691).
type ProjectList struct {
	Meta     APIMeta          `json:"meta"`
	Projects []ProjectSummary `json:"projects"`
}

// ProjectSummary names one project in the root index.
type ProjectSummary struct {
	Name string `json:"name"`
}

// ProjectPage is a single project's file listing (PEP 691).
type ProjectPage struct {
	Meta  APIMeta       `json:"meta"`
	Name  string        `json:"name"`
	Files []ProjectFile `json:"files"`
}

// ProjectFile is one downloadable release file.
type ProjectFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes,omitempty"`
	Size           int64             `json:"size,omitempty"`
	RequiresPython string            `json:"requires-python,omitempty"`
	Yanked         any               `json:"yanked,omitempty"`
	GPGSig         bool              `json:"gpg-sig,omitempty"`
	DistInfoMeta   any               `json:"dist-info-metadata,omitempty"`
	UploadTime     string            `json:"upload-time,omitempty"`
}

// SHA256 returns the file's expected sha256 digest, if upstream supplied one.
func (f ProjectFile) SHA256() (string, bool) {
	sum, ok := f.Hashes["sha256"]
	return sum, ok
}

// ChangelogEntry records the highest serial seen for a project in one
// changelog_since_serial sweep. Duplicate project rows in the upstream
// changelog are folded to the maximum serial, mirroring master.py's
// changed_packages dict accumulation.
type ChangelogEntry struct {
	Project string
	Serial  int64
}

// changelogRow is the JSON shape of one row returned by the PyPI JSON
// changelog endpoint: [project, version, timestamp, action, serial].
type changelogRow struct {
	Project   string
	Version   string
	Timestamp int64
	Action    string
	Serial    int64
}

func (r *changelogRow) UnmarshalJSON(data []byte) error {
	var raw [5]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding changelog row: %w", err)
	}
	if err := json.Unmarshal(raw[0], &r.Project); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &r.Version); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &r.Timestamp); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[3], &r.Action); err != nil {
		return err
	}
	return json.Unmarshal(raw[4], &r.Serial)
}

// Client fetches PyPI Simple API metadata and release-file bytes from an
// upstream index.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the upstream root (e.g. for a test server or a
// private index).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client, e.g. one whose Transport is
// wrapped with telemetry.InstrumentedTransport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries overrides the retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithUserAgent overrides the User-Agent header sent upstream.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates an upstream Client. Proxy handling defaults to
// http.ProxyFromEnvironment via http.DefaultTransport, honoring
// HTTPS_PROXY/HTTP_PROXY/ALL_PROXY/NO_PROXY.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxRetries: DefaultMaxRetries,
		userAgent:  "bandersnatch-go/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchSimpleJSON fetches and decodes a project's PEP 691 JSON page.
// Returns ErrNotFound if the project doesn't exist upstream. A response
// whose Content-Type isn't the JSON simple-API media type is treated as a
// fatal error for the project rather than falling back to HTML parsing.
func (c *Client) FetchSimpleJSON(ctx context.Context, project string) (*ProjectPage, error) {
	normalized := bandersnatch.NormalizeProjectName(project)
	reqURL := fmt.Sprintf("%s/simple/%s/", c.baseURL, normalized)

	body, contentType, err := c.getWithRetry(ctx, reqURL, nil)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(contentType, "application/vnd.pypi.simple.v1+json") {
		return nil, fmt.Errorf("%s: upstream returned non-JSON content-type %q", project, contentType)
	}

	var page ProjectPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%s: decoding simple JSON: %w", project, err)
	}
	return &page, nil
}

// FetchProjectMetadata fetches the project's JSON package metadata (the
// classic PyPI /pypi/<project>/json endpoint), used by metadata filters
// that inspect classifiers, summary, etc.
func (c *Client) FetchProjectMetadata(ctx context.Context, project string) (map[string]any, error) {
	normalized := bandersnatch.NormalizeProjectName(project)
	reqURL := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, normalized)

	body, _, err := c.getWithRetry(ctx, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var meta map[string]any
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("%s: decoding project metadata: %w", project, err)
	}
	return meta, nil
}

// ChangelogSince fetches every changelog row since lastSerial and folds
// them into one entry per project, keeping the highest serial observed —
// equivalent to master.py's changed_packages dict accumulation.
func (c *Client) ChangelogSince(ctx context.Context, lastSerial int64) ([]ChangelogEntry, error) {
	reqURL := fmt.Sprintf("%s/simple/?since=%d", c.baseURL, lastSerial)

	body, _, err := c.getWithRetry(ctx, reqURL, nil)
	if err != nil {
		return nil, err
	}

	var rows []changelogRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding changelog: %w", err)
	}

	highest := make(map[string]int64, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		if prev, ok := highest[row.Project]; !ok || row.Serial > prev {
			if !ok {
				order = append(order, row.Project)
			}
			highest[row.Project] = row.Serial
		}
	}

	entries := make([]ChangelogEntry, 0, len(order))
	for _, project := range order {
		entries = append(entries, ChangelogEntry{Project: project, Serial: highest[project]})
	}
	return entries, nil
}

// CurrentSerial returns the current global serial, used to bootstrap an
// empty mirror (spec.md's LOAD_CURSOR state with no prior status file).
func (c *Client) CurrentSerial(ctx context.Context) (int64, error) {
	reqURL := fmt.Sprintf("%s/simple/", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching current serial: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return parseSerialHeader(resp.Header.Get("X-PyPI-Last-Serial"))
}

func parseSerialHeader(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// StreamArtifact downloads a release file, verifying its size and sha256
// digest while streaming, and writes verified bytes to w. It does not
// buffer the whole file in memory. Returns ErrChecksumMismatch or
// ErrSizeMismatch if verification fails; the caller is responsible for
// discarding whatever w received in that case.
func (c *Client) StreamArtifact(ctx context.Context, url string, expectedSHA256 string, expectedSize int64, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream returned %d fetching artifact: %s", resp.StatusCode, string(body))
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(w, hasher), resp.Body)
	if err != nil {
		return fmt.Errorf("streaming artifact: %w", err)
	}

	if expectedSize > 0 && written != expectedSize {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeMismatch, written, expectedSize)
	}

	if expectedSHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, expectedSHA256) {
			return fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, got, expectedSHA256)
		}
	}

	return nil
}

// getWithRetry performs a GET with exponential backoff and jitter for
// transient failures (connection errors, timeouts, 5xx). 404 is terminal
// and mapped to ErrNotFound; other 4xx are terminal errors.
func (c *Client) getWithRetry(ctx context.Context, url string, headers map[string]string) (body []byte, contentType string, err error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if werr := waitBackoff(ctx, attempt); werr != nil {
				return nil, "", werr
			}
		}

		body, contentType, err = c.doGet(ctx, url, headers)
		if err == nil {
			return body, contentType, nil
		}
		if errors.Is(err, ErrNotFound) || isTerminalClientError(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

type terminalClientError struct{ err error }

func (e *terminalClientError) Error() string { return e.err.Error() }
func (e *terminalClientError) Unwrap() error { return e.err }

func isTerminalClientError(err error) bool {
	var tce *terminalClientError
	return errors.As(err, &tce)
}

func (c *Client) doGet(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", ContentTypeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &terminalClientError{fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(b))}
	}
	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(b))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, "", fmt.Errorf("reading response: %w", err)
	}

	return buf.Bytes(), resp.Header.Get("Content-Type"), nil
}

// MaxRetries returns the client's configured retry budget, so callers
// outside this package (the pipeline's per-file download retry) can share
// the same knob instead of hardcoding their own.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// WaitBackoff sleeps an exponential-backoff-with-jitter interval for the
// given attempt number, or returns ctx.Err() if ctx is done first.
// Exported so callers outside this package (the pipeline's per-file
// download retry) can reuse the same backoff shape as getWithRetry.
func WaitBackoff(ctx context.Context, attempt int) error {
	return waitBackoff(ctx, attempt)
}

func waitBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

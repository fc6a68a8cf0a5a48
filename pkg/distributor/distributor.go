// Package distributor fetches extension artifacts into a content-addressed
// cache and verifies them before anything is installed.
package distributor

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second

	maxSignatureSize = 1 << 20
)

// ManifestSource looks up manifests by name.
type ManifestSource interface {
	Get(name string) (engine.ExtensionManifest, bool)
}

// Config configures a Distributor.
type Config struct {
	// CacheDir is the root of the artifact cache.
	CacheDir string

	// Attempts is the total number of download attempts for retryable failures.
	Attempts int

	// Backoff is the wait before the first retry; it doubles on each retry.
	Backoff time.Duration

	// Keyring holds the keys trusted to sign artifacts.
	Keyring openpgp.EntityList

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Distributor downloads and verifies artifacts. It is safe for concurrent use.
type Distributor struct {
	source  ManifestSource
	cache   *cache
	client  *retryablehttp.Client
	keyring openpgp.EntityList
	group   singleflight.Group
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// attempts bounds every retried fetch: request, body and signature.
	attempts int

	mu        sync.Mutex
	downloads int
}

// New creates a distributor over source.
func New(source ManifestSource, cfg Config) (*Distributor, error) {
	if cfg.CacheDir == "" {
		return nil, engine.NewConfigError("artifact cache directory is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	c, err := openCache(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	d := &Distributor{
		source:   source,
		cache:    c,
		keyring:  cfg.Keyring,
		logger:   telemetry.OrNop(cfg.Logger).NewComponentLogger("distributor"),
		metrics:  cfg.Metrics,
		attempts: cfg.Attempts,
	}
	if d.metrics == nil {
		d.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	d.client = d.newClient(cfg)
	return d, nil
}

// newClient builds the HTTP client. It makes one attempt per call; retry
// consults its CheckRetry and Backoff policy so that a failed request and a
// body cut short share one attempt budget. file:// URLs are served by a file
// transport.
func (d *Distributor) newClient(cfg Config) *retryablehttp.Client {
	transport := cfg.Transport
	if transport == nil {
		t := cleanhttp.DefaultPooledTransport()
		t.RegisterProtocol("file", http.NewFileTransport(http.Dir("/")))
		transport = t
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Transport: transport}
	client.Logger = nil
	client.RetryMax = 0
	client.RetryWaitMin = cfg.Backoff
	client.RetryWaitMax = cfg.Backoff << (cfg.Attempts - 1)
	client.Backoff = exponentialBackoff
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// retry runs fn until it succeeds, fails with an error that is not
// transient, or d.attempts calls have been made. The wait before retry n
// (from zero) is the client backoff for attempt n.
func (d *Distributor) retry(ctx context.Context, name, rawURL string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !engine.IsRetryable(err) || attempt+1 >= d.attempts {
			return err
		}

		wait := d.client.Backoff(d.client.RetryWaitMin, d.client.RetryWaitMax, attempt, nil)
		d.metrics.RecordFetchRetry()
		d.logger.WithError(err).Zerolog().Warn().
			Str("extension", name).
			Str("url", redact(rawURL)).
			Int("attempt", attempt+2).
			Dur("wait", wait).
			Msg("retrying artifact download")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return cancelled(name, ctx.Err())
		case <-timer.C:
		}
	}
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Redacted()
}

// exponentialBackoff waits base * 2^attempt, ignoring Retry-After.
func exponentialBackoff(base, max time.Duration, attempt int, _ *http.Response) time.Duration {
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if wait > max {
		wait = max
	}
	return wait
}

// checkRetry retries connection failures, 404, 429 and 5xx responses.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return true, nil
	}
	return false, nil
}

// classify picks the error constructor for a failed request: transient when
// checkRetry would retry it, permanent otherwise.
func (d *Distributor) classify(ctx context.Context, resp *http.Response, err error) func(string, error) *engine.EngineError {
	if retry, _ := d.client.CheckRetry(ctx, resp, err); retry {
		return engine.NewTransientError
	}
	return engine.NewPermanentError
}

// Downloads returns the number of artifact downloads performed.
func (d *Distributor) Downloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

// Cached lists the verified artifacts in the cache, sorted by name and version.
func (d *Distributor) Cached() []engine.Artifact {
	entries := d.cache.entries()
	out := make([]engine.Artifact, 0, len(entries))
	for _, e := range entries {
		out = append(out, engine.Artifact{
			Name:              e.Name,
			Version:           e.Version,
			LocalPath:         d.cache.path(e.Checksum),
			Checksum:          e.Checksum,
			SignatureVerified: e.SignatureVerified,
		})
	}
	slices.SortFunc(out, func(a, b engine.Artifact) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Version, b.Version))
	})
	return out
}

// Fetch returns the verified artifact for name at version.
func (d *Distributor) Fetch(ctx context.Context, name, version string) (*engine.Artifact, error) {
	m, ok := d.source.Get(name)
	if !ok || m.Version != version {
		return nil, engine.NewTransientError(fmt.Sprintf("no manifest for %s@%s", name, version), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return d.FetchManifest(ctx, m)
}

// FetchManifest returns the verified artifact described by m. Concurrent
// calls for the same artifact share one download. The shared download is
// not tied to any caller: a cancelled caller stops waiting and gets a
// cancellation error while the others still receive the artifact.
func (d *Distributor) FetchManifest(ctx context.Context, m engine.ExtensionManifest) (*engine.Artifact, error) {
	if m.Source == nil {
		d.metrics.RecordFetch("virtual", 0)
		return &engine.Artifact{Name: m.Name, Version: m.Version, Virtual: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(m.Name, err)
	}

	key := m.Name + "@" + m.Version + "#" + m.Source.SHA256
	shared := context.WithoutCancel(ctx)
	ch := d.group.DoChan(key, func() (interface{}, error) {
		return d.fetch(shared, m)
	})

	select {
	case <-ctx.Done():
		d.metrics.RecordFetch("error", 0)
		return nil, cancelled(m.Name, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			d.metrics.RecordFetch("error", 0)
			return nil, res.Err
		}
		art := *res.Val.(*engine.Artifact)
		return &art, nil
	}
}

func (d *Distributor) fetch(ctx context.Context, m engine.ExtensionManifest) (*engine.Artifact, error) {
	logger := d.logger.WithExtension(m.Name, m.Version)
	src := m.Source
	wantSig := src.Signature != ""

	if entry, ok := d.cache.lookup(m.Name, m.Version); ok && entry.Checksum == src.SHA256 &&
		(!wantSig || entry.SignatureVerified) {
		if d.cache.verify(src.SHA256) {
			d.metrics.RecordFetch("hit", 0)
			logger.Debug("artifact cache hit")
			return d.artifact(m, entry.SignatureVerified), nil
		}
		logger.Warn("cached artifact failed verification, downloading again")
	}

	tmp, size, actual, err := d.download(ctx, m)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp) //nolint:errcheck

	if actual != src.SHA256 {
		logger.Zerolog().Error().
			Str("expected", src.SHA256).
			Str("actual", actual).
			Msg("artifact checksum mismatch")
		return nil, engine.NewSecurityError(
			fmt.Sprintf("checksum mismatch for %s@%s", m.Name, m.Version), nil,
		).WithCode(engine.ErrCodeChecksumMismatch).
			WithResource(m.Name).
			WithDetail("expected", src.SHA256).
			WithDetail("actual", actual).
			WithDetail("url", src.URL)
	}

	verified := false
	if wantSig {
		if err := d.verifySignature(ctx, m, tmp); err != nil {
			return nil, err
		}
		verified = true
	}

	if err := d.cache.store(tmp, indexEntry{
		Name:              m.Name,
		Version:           m.Version,
		Checksum:          actual,
		URL:               src.URL,
		SignatureVerified: verified,
		FetchedAt:         time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	d.metrics.RecordFetch("miss", size)
	logger.Zerolog().Info().Int64("bytes", size).Msg("artifact downloaded and verified")
	return d.artifact(m, verified), nil
}

func (d *Distributor) artifact(m engine.ExtensionManifest, verified bool) *engine.Artifact {
	return &engine.Artifact{
		Name:              m.Name,
		Version:           m.Version,
		LocalPath:         d.cache.path(m.Source.SHA256),
		Checksum:          m.Source.SHA256,
		SignatureVerified: verified,
	}
}

// download streams the artifact into a temporary file while hashing it. A
// failed request and a body cut short are retried under one budget.
func (d *Distributor) download(ctx context.Context, m engine.ExtensionManifest) (string, int64, string, error) {
	var (
		tmp, sum string
		size     int64
	)
	err := d.retry(ctx, m.Name, m.Source.URL, func() error {
		var err error
		tmp, size, sum, err = d.downloadOnce(ctx, m)
		return err
	})
	return tmp, size, sum, err
}

func (d *Distributor) downloadOnce(ctx context.Context, m engine.ExtensionManifest) (string, int64, string, error) {
	body, err := d.open(ctx, m.Name, m.Source.URL)
	if err != nil {
		return "", 0, "", err
	}
	defer body.Close()

	d.mu.Lock()
	d.downloads++
	d.mu.Unlock()

	f, err := d.cache.tempFile()
	if err != nil {
		return "", 0, "", err
	}

	hasher := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(f, hasher), body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(f.Name())
		if ctx.Err() != nil {
			return "", 0, "", cancelled(m.Name, ctx.Err())
		}
		return "", 0, "", engine.NewTransientError(fmt.Sprintf("download of %s interrupted", m.Name), err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(m.Name)
	}

	return f.Name(), size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// open issues one GET and maps failures onto distribution errors.
func (d *Distributor) open(ctx context.Context, name, url string) (io.ReadCloser, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "file://") {
		return nil, engine.NewConfigError(fmt.Sprintf("unsupported artifact URL %s", url), nil).
			WithCode(engine.ErrCodeMalformedManifest).
			WithResource(name)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("invalid artifact URL %s", url), err).
			WithCode(engine.ErrCodeMalformedManifest).
			WithResource(name)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(name, ctx.Err())
		}
		return nil, d.classify(ctx, resp, err)(fmt.Sprintf("failed to fetch %s", url), err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(name).
			WithDetail("url", url)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, engine.NewTransientError(fmt.Sprintf("artifact not found at %s", url), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithDetail("url", url)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, d.classify(ctx, resp, nil)(fmt.Sprintf("fetching %s returned %s", url, resp.Status), nil).
			WithCode(engine.ErrCodeNetwork).
			WithResource(name).
			WithDetail("url", url).
			WithDetail("status", resp.StatusCode)
	}
	return resp.Body, nil
}

func cancelled(name string, err error) error {
	return engine.NewCancelledError(fmt.Sprintf("fetch of %s cancelled", name), err).WithResource(name)
}

package distributor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/devkiln/kiln/pkg/engine"
)

type staticSource map[string]engine.ExtensionManifest

func (s staticSource) Get(name string) (engine.ExtensionManifest, bool) {
	m, ok := s[name]
	return m, ok
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// artifactServer serves fixed payloads and counts requests per path.
type artifactServer struct {
	*httptest.Server

	mu       sync.Mutex
	payloads map[string][]byte
	requests map[string]int
	failures map[string]int // remaining 500 responses per path
	cutoffs  map[string]int // remaining truncated bodies per path
	statuses map[string]int // fixed status per path
	gate     chan struct{}
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()
	s := &artifactServer{
		payloads: map[string][]byte{},
		requests: map[string]int{},
		failures: map[string]int{},
		cutoffs:  map[string]int{},
		statuses: map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *artifactServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	gate := s.gate
	if s.failures[r.URL.Path] > 0 {
		s.failures[r.URL.Path]--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	if code := s.statuses[r.URL.Path]; code != 0 {
		s.mu.Unlock()
		http.Error(w, http.StatusText(code), code)
		return
	}
	cut := s.cutoffs[r.URL.Path] > 0
	if cut {
		s.cutoffs[r.URL.Path]--
	}
	body, ok := s.payloads[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if cut {
		// Promise more than is sent so the client sees the connection drop.
		w.Header().Set("Content-Length", strconv.Itoa(len(body)+100))
		_, _ = w.Write(body)
		return
	}
	_, _ = w.Write(body)
}

func (s *artifactServer) put(path string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[path] = body
	return s.URL + path
}

func (s *artifactServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func manifest(name, version, url, sum string) engine.ExtensionManifest {
	return engine.ExtensionManifest{
		Name:    name,
		Version: version,
		Source:  &engine.Source{URL: url, SHA256: sum},
	}
}

func newTestDistributor(t *testing.T, src ManifestSource, cfg Config) *Distributor {
	t.Helper()
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	d, err := New(src, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d
}

func TestFetch_DownloadsAndVerifies(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("git 2.43.0 tarball")
	url := srv.put("/git.tar.gz", payload)
	src := staticSource{"git": manifest("git", "2.43.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})
	art, err := d.Fetch(context.Background(), "git", "2.43.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if art.Checksum != digest(payload) {
		t.Errorf("Checksum = %s, want %s", art.Checksum, digest(payload))
	}
	if filepath.Base(art.LocalPath) != digest(payload) {
		t.Errorf("LocalPath %s is not content addressed", art.LocalPath)
	}
	got, err := os.ReadFile(art.LocalPath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("artifact content = %q, want %q", got, payload)
	}
	if art.SignatureVerified {
		t.Error("SignatureVerified = true for unsigned artifact")
	}
}

func TestFetch_CacheHitMakesNoRequest(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("node")
	url := srv.put("/node.tar.gz", payload)
	src := staticSource{"node": manifest("node", "20.0.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})
	for i := 0; i < 3; i++ {
		if _, err := d.Fetch(context.Background(), "node", "20.0.0"); err != nil {
			t.Fatalf("Fetch() #%d error = %v", i, err)
		}
	}

	if n := srv.count("/node.tar.gz"); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	if n := d.Downloads(); n != 1 {
		t.Errorf("Downloads() = %d, want 1", n)
	}
}

func TestFetch_IndexSurvivesRestart(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("terraform")
	url := srv.put("/terraform.zip", payload)
	src := staticSource{"terraform": manifest("terraform", "1.7.0", url, digest(payload))}
	dir := t.TempDir()

	first := newTestDistributor(t, src, Config{CacheDir: dir})
	if _, err := first.Fetch(context.Background(), "terraform", "1.7.0"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	second := newTestDistributor(t, src, Config{CacheDir: dir})
	if _, err := second.Fetch(context.Background(), "terraform", "1.7.0"); err != nil {
		t.Fatalf("Fetch() after restart error = %v", err)
	}
	if n := srv.count("/terraform.zip"); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	if cached := second.Cached(); len(cached) != 1 || cached[0].Name != "terraform" {
		t.Errorf("Cached() = %+v", cached)
	}
}

func TestFetch_CorruptCacheIsRefetched(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("kubectl")
	url := srv.put("/kubectl", payload)
	src := staticSource{"kubectl": manifest("kubectl", "1.29.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})
	art, err := d.Fetch(context.Background(), "kubectl", "1.29.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if err := os.WriteFile(art.LocalPath, []byte("bit rot"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Fetch(context.Background(), "kubectl", "1.29.0"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := srv.count("/kubectl"); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
}

func TestFetch_SingleFlight(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("python 3.12")
	url := srv.put("/python.tar.xz", payload)
	srv.gate = make(chan struct{})
	src := staticSource{"python": manifest("python", "3.12.1", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})

	const callers = 8
	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Fetch(context.Background(), "python", "3.12.1"); err != nil {
				failed.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(srv.gate)
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d fetches failed", failed.Load())
	}
	if n := srv.count("/python.tar.xz"); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	srv := newArtifactServer(t)
	url := srv.put("/docker.tgz", []byte("tampered bytes"))
	src := staticSource{"docker": manifest("docker", "24.0.7", url, digest([]byte("original bytes")))}
	dir := t.TempDir()

	d := newTestDistributor(t, src, Config{CacheDir: dir})
	_, err := d.Fetch(context.Background(), "docker", "24.0.7")
	if !errors.Is(err, engine.ErrChecksumMismatch) {
		t.Fatalf("Fetch() error = %v, want checksum mismatch", err)
	}
	if !engine.IsSecurity(err) || engine.IsRetryable(err) {
		t.Errorf("checksum mismatch classified as %s", engine.ClassOf(err))
	}
	if n := srv.count("/docker.tgz"); n != 1 {
		t.Errorf("requests = %d, want 1 (security errors are not retried)", n)
	}

	for _, sub := range []string{"sha256", "tmp"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("%s/ contains %d entries after mismatch", sub, len(entries))
		}
	}
	if cached := d.Cached(); len(cached) != 0 {
		t.Errorf("Cached() = %+v, want empty", cached)
	}
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("go1.22")
	url := srv.put("/go.tar.gz", payload)
	srv.failures["/go.tar.gz"] = 2
	src := staticSource{"go": manifest("go", "1.22.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})
	if _, err := d.Fetch(context.Background(), "go", "1.22.0"); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n := srv.count("/go.tar.gz"); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}
}

func TestFetch_Errors(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("rust")
	url := srv.put("/rust.tar.gz", payload)

	tests := []struct {
		name      string
		source    staticSource
		ext       string
		version   string
		failures  int
		want      error
		wantCount int
	}{
		{
			name:      "not found after retries",
			source:    staticSource{"ruby": manifest("ruby", "3.3.0", srv.URL+"/missing", digest(payload))},
			ext:       "ruby",
			version:   "3.3.0",
			want:      engine.ErrNotFound,
			wantCount: 3,
		},
		{
			name:      "server keeps failing",
			source:    staticSource{"rust": manifest("rust", "1.75.0", url, digest(payload))},
			ext:       "rust",
			version:   "1.75.0",
			failures:  5,
			want:      engine.ErrNetwork,
			wantCount: 3,
		},
		{
			name:    "unknown version",
			source:  staticSource{"rust": manifest("rust", "1.75.0", url, digest(payload))},
			ext:     "rust",
			version: "1.0.0",
			want:    engine.ErrNotFound,
		},
		{
			name:    "unknown extension",
			source:  staticSource{},
			ext:     "zig",
			version: "0.11.0",
			want:    engine.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.mu.Lock()
			srv.requests = map[string]int{}
			srv.failures = map[string]int{"/rust.tar.gz": tt.failures}
			srv.mu.Unlock()

			d := newTestDistributor(t, tt.source, Config{})
			_, err := d.Fetch(context.Background(), tt.ext, tt.version)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Fetch() error = %v, want %v", err, tt.want)
			}
			if !engine.IsRetryable(err) {
				t.Errorf("error %v should be transient", err)
			}

			total := 0
			srv.mu.Lock()
			for _, n := range srv.requests {
				total += n
			}
			srv.mu.Unlock()
			if total != tt.wantCount {
				t.Errorf("requests = %d, want %d", total, tt.wantCount)
			}
		})
	}
}

func TestFetch_Cancelled(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("java")
	url := srv.put("/jdk.tar.gz", payload)
	src := staticSource{"java": manifest("java", "21.0.1", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Fetch(ctx, "java", "21.0.1")
	if !engine.IsCancelled(err) {
		t.Fatalf("Fetch() error = %v, want cancelled", err)
	}
}

func TestFetch_FileSource(t *testing.T) {
	payload := []byte("local artifact")
	path := filepath.Join(t.TempDir(), "helm.tar.gz")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	src := staticSource{
		"helm":    manifest("helm", "3.14.0", "file://"+path, digest(payload)),
		"missing": manifest("missing", "1.0.0", "file://"+path+".gone", digest(payload)),
	}

	d := newTestDistributor(t, src, Config{})
	art, err := d.Fetch(context.Background(), "helm", "3.14.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if art.Checksum != digest(payload) {
		t.Errorf("Checksum = %s", art.Checksum)
	}

	if _, err := d.Fetch(context.Background(), "missing", "1.0.0"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Fetch(missing) error = %v, want not found", err)
	}
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	src := staticSource{"odd": manifest("odd", "1.0.0", "ftp://example.com/odd", digest(nil))}
	d := newTestDistributor(t, src, Config{})

	_, err := d.Fetch(context.Background(), "odd", "1.0.0")
	if !errors.Is(err, engine.ErrMalformedManifest) {
		t.Fatalf("Fetch() error = %v, want malformed manifest", err)
	}
}

func TestFetch_Virtual(t *testing.T) {
	src := staticSource{"cli-base": {Name: "cli-base", Version: "1.0.0"}}
	d := newTestDistributor(t, src, Config{})

	art, err := d.Fetch(context.Background(), "cli-base", "1.0.0")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !art.Virtual || art.LocalPath != "" {
		t.Errorf("artifact = %+v, want virtual", art)
	}
	if d.Downloads() != 0 {
		t.Errorf("Downloads() = %d, want 0", d.Downloads())
	}
}

func newSigner(t *testing.T, name string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", name+"@example.com", &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}
	return e
}

func sign(t *testing.T, signer *openpgp.Entity, payload []byte, armored bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	var err error
	if armored {
		err = openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader(payload), nil)
	} else {
		err = openpgp.DetachSign(&buf, signer, bytes.NewReader(payload), nil)
	}
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return buf.Bytes()
}

func TestFetch_Signatures(t *testing.T) {
	trusted := newSigner(t, "release")
	stranger := newSigner(t, "stranger")
	payload := []byte("signed artifact")

	srv := newArtifactServer(t)
	url := srv.put("/ext.tar.gz", payload)
	armoredSig := srv.put("/ext.tar.gz.asc", sign(t, trusted, payload, true))
	binarySig := srv.put("/ext.tar.gz.sig", sign(t, trusted, payload, false))
	strangerSig := srv.put("/ext.tar.gz.stranger.asc", sign(t, stranger, payload, true))
	wrongSig := srv.put("/other.asc", sign(t, trusted, []byte("other content"), true))

	signed := func(sigURL string) staticSource {
		m := manifest("ext", "1.0.0", url, digest(payload))
		m.Source.Signature = sigURL
		return staticSource{"ext": m}
	}

	tests := []struct {
		name    string
		source  staticSource
		keyring openpgp.EntityList
		wantErr error
	}{
		{name: "armored signature", source: signed(armoredSig), keyring: openpgp.EntityList{trusted}},
		{name: "binary signature", source: signed(binarySig), keyring: openpgp.EntityList{trusted}},
		{name: "untrusted signer", source: signed(strangerSig), keyring: openpgp.EntityList{trusted}, wantErr: engine.ErrSignatureInvalid},
		{name: "signature over other content", source: signed(wrongSig), keyring: openpgp.EntityList{trusted}, wantErr: engine.ErrSignatureInvalid},
		{name: "no keyring", source: signed(armoredSig), wantErr: engine.ErrSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDistributor(t, tt.source, Config{Keyring: tt.keyring})
			art, err := d.Fetch(context.Background(), "ext", "1.0.0")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Fetch() error = %v, want %v", err, tt.wantErr)
				}
				if len(d.Cached()) != 0 {
					t.Error("artifact cached despite failed signature")
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if !art.SignatureVerified {
				t.Error("SignatureVerified = false")
			}
		})
	}
}

func TestLoadKeyring(t *testing.T) {
	signer := newSigner(t, "release")
	dir := t.TempDir()

	var armored bytes.Buffer
	w, err := armor.Encode(&armored, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Serialize(w); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var binary bytes.Buffer
	if err := signer.Serialize(&binary); err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{"keys.asc": armored.Bytes(), "keys.gpg": binary.Bytes()} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		keys, err := LoadKeyring(path)
		if err != nil {
			t.Fatalf("LoadKeyring(%s) error = %v", name, err)
		}
		if len(keys) != 1 || keys[0].PrimaryKey.KeyId != signer.PrimaryKey.KeyId {
			t.Errorf("LoadKeyring(%s) returned %d keys", name, len(keys))
		}
	}

	if _, err := LoadKeyring(filepath.Join(dir, "absent.asc")); !errors.Is(err, engine.ErrMissingFile) {
		t.Errorf("LoadKeyring(absent) error = %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 4 * time.Second},
		{attempt: 2, want: 8 * time.Second},
		{attempt: 5, want: 8 * time.Second},
	}
	for _, tt := range tests {
		if got := exponentialBackoff(2*time.Second, 8*time.Second, tt.attempt, nil); got != tt.want {
			t.Errorf("exponentialBackoff(2s, 8s, %d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestNew_DefaultRetryPolicy(t *testing.T) {
	d := newTestDistributor(t, staticSource{}, Config{Backoff: -1})
	if d.attempts != 3 {
		t.Errorf("attempts = %d, want 3", d.attempts)
	}
	if d.client.RetryWaitMin != 2*time.Second || d.client.RetryWaitMax != 8*time.Second {
		t.Errorf("backoff range = %s..%s, want 2s..8s", d.client.RetryWaitMin, d.client.RetryWaitMax)
	}
	if d.client.RetryMax != 0 {
		t.Errorf("client RetryMax = %d, want 0", d.client.RetryMax)
	}
}

func TestFetch_AttemptBudget(t *testing.T) {
	payload := []byte("deno 1.40")

	tests := []struct {
		name      string
		attempts  int
		failures  int
		cutoffs   int
		status    int
		want      error
		wantCount int
	}{
		{name: "body cut short once", cutoffs: 1, wantCount: 2},
		{name: "body cut short twice", cutoffs: 2, wantCount: 3},
		{name: "body always cut short", cutoffs: 10, want: engine.ErrNetwork, wantCount: 3},
		{name: "request and body failures share the budget", failures: 1, cutoffs: 1, wantCount: 3},
		{name: "budget spent across both", failures: 2, cutoffs: 1, want: engine.ErrNetwork, wantCount: 3},
		{name: "single attempt", attempts: 1, failures: 1, want: engine.ErrNetwork, wantCount: 1},
		{name: "five attempts", attempts: 5, failures: 4, wantCount: 5},
		{name: "forbidden is not retried", status: http.StatusForbidden, wantCount: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newArtifactServer(t)
			url := srv.put("/deno.zip", payload)
			srv.failures["/deno.zip"] = tt.failures
			srv.cutoffs["/deno.zip"] = tt.cutoffs
			srv.statuses["/deno.zip"] = tt.status
			src := staticSource{"deno": manifest("deno", "1.40.0", url, digest(payload))}

			d := newTestDistributor(t, src, Config{Attempts: tt.attempts})
			art, err := d.Fetch(context.Background(), "deno", "1.40.0")

			switch {
			case tt.status != 0:
				if err == nil || engine.IsRetryable(err) {
					t.Fatalf("Fetch() error = %v, want a permanent error", err)
				}
			case tt.want != nil:
				if !errors.Is(err, tt.want) {
					t.Fatalf("Fetch() error = %v, want %v", err, tt.want)
				}
			default:
				if err != nil {
					t.Fatalf("Fetch() error = %v", err)
				}
				if art.Checksum != digest(payload) {
					t.Errorf("Checksum = %s", art.Checksum)
				}
			}
			if n := srv.count("/deno.zip"); n != tt.wantCount {
				t.Errorf("requests = %d, want %d", n, tt.wantCount)
			}
		})
	}
}

func TestFetch_BackoffBetweenAttempts(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("bun")
	url := srv.put("/bun.zip", payload)
	srv.failures["/bun.zip"] = 10
	src := staticSource{"bun": manifest("bun", "1.0.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{Backoff: 10 * time.Millisecond})
	start := time.Now()
	_, err := d.Fetch(context.Background(), "bun", "1.0.0")
	if !errors.Is(err, engine.ErrNetwork) {
		t.Fatalf("Fetch() error = %v, want network error", err)
	}
	// 10ms before the second attempt, 20ms before the third.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("three attempts took %s, want at least 30ms of backoff", elapsed)
	}
}

func TestFetch_SharedDownloadOutlivesCancelledCaller(t *testing.T) {
	srv := newArtifactServer(t)
	payload := []byte("ruby 3.3")
	url := srv.put("/ruby.tar.gz", payload)
	srv.gate = make(chan struct{})
	src := staticSource{"ruby": manifest("ruby", "3.3.0", url, digest(payload))}

	d := newTestDistributor(t, src, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := d.Fetch(ctx, "ruby", "3.3.0")
		first <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for srv.count("/ruby.tar.gz") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("download never started")
		}
		time.Sleep(time.Millisecond)
	}

	type outcome struct {
		art *engine.Artifact
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		art, err := d.Fetch(context.Background(), "ruby", "3.3.0")
		second <- outcome{art, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-first; !engine.IsCancelled(err) {
		t.Fatalf("cancelled caller error = %v, want cancelled", err)
	}

	close(srv.gate)
	got := <-second
	if got.err != nil {
		t.Fatalf("other caller error = %v", got.err)
	}
	if got.art.Checksum != digest(payload) {
		t.Errorf("Checksum = %s", got.art.Checksum)
	}
	if n := srv.count("/ruby.tar.gz"); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

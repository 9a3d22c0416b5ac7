package asset

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remote-test-proxy/backend/internal/cache"
	"github.com/remote-test-proxy/backend/internal/instrument"
)

// countingInstrumenter prefixes the source and counts invocations.
type countingInstrumenter struct {
	calls atomic.Int32
	err   error
}

func (c *countingInstrumenter) Instrument(_ context.Context, source []byte, path string, _ map[string]any) ([]byte, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return append([]byte("/* cov "+filepath.Base(path)+" */\n"), source...), nil
}

func setupTestServer(t *testing.T, opts Options, inst instrument.Instrumenter) (*Server, string) {
	t.Helper()

	baseDir := t.TempDir()
	installDir := t.TempDir()

	writeFile(t, filepath.Join(baseDir, "app.js"), "var app = 1;")
	writeFile(t, filepath.Join(baseDir, "style.css"), "body{}")
	writeFile(t, filepath.Join(baseDir, "index.html"), "<html></html>")
	writeFile(t, filepath.Join(baseDir, "lib", "dep.js"), "var dep = 2;")
	writeFile(t, filepath.Join(baseDir, "data.unknownext"), "raw")
	writeFile(t, filepath.Join(installDir, "client.js"), "var client = 3;")

	opts.BaseDir = baseDir
	opts.InstallDir = installDir

	srv, err := NewServer(opts, cache.New(), inst, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv, baseDir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func serve(srv *Server, path string, mode Mode) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Serve(context.Background(), rec, path, mode)
	return rec
}

func TestServer_Resolve(t *testing.T) {
	inst := &countingInstrumenter{}
	srv, baseDir := setupTestServer(t, Options{Instrument: true}, inst)
	installDir := srv.opts.InstallDir

	tests := []struct {
		name      string
		path      string
		want      string
		transform bool
		internal  bool
	}{
		{"plain file", "/style.css", filepath.Join(baseDir, "style.css"), false, false},
		{"script", "/app.js", filepath.Join(baseDir, "app.js"), true, false},
		{"query stripped", "/app.js?v=3", filepath.Join(baseDir, "app.js"), true, false},
		{"directory index", "/lib/", filepath.Join(baseDir, "lib", "index.html"), false, false},
		{"root index", "/", filepath.Join(baseDir, "index.html"), false, false},
		{"normalized", "/lib/./../lib//dep.js", filepath.Join(baseDir, "lib", "dep.js"), true, false},
		{"internal asset", "/__intern/client.js", filepath.Join(installDir, "client.js"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := srv.Resolve(tt.path, true)
			if res.Path != tt.want {
				t.Errorf("expected path %s, got %s", tt.want, res.Path)
			}
			if res.Transform != tt.transform {
				t.Errorf("expected transform=%v, got %v", tt.transform, res.Transform)
			}
			if res.Internal != tt.internal {
				t.Errorf("expected internal=%v, got %v", tt.internal, res.Internal)
			}
		})
	}
}

func TestServer_ShouldInstrument(t *testing.T) {
	inst := &countingInstrumenter{}

	t.Run("disabled", func(t *testing.T) {
		srv, _ := setupTestServer(t, Options{Instrument: false}, inst)
		if srv.ShouldInstrument("/app.js") {
			t.Error("expected no instrumentation when disabled")
		}
	})

	t.Run("exclude all", func(t *testing.T) {
		srv, _ := setupTestServer(t, Options{Instrument: true, ExcludeAll: true}, inst)
		if srv.ShouldInstrument("/app.js") {
			t.Error("expected no instrumentation with exclude all")
		}
	})

	t.Run("exclude pattern", func(t *testing.T) {
		srv, _ := setupTestServer(t, Options{Instrument: true, Exclude: regexp.MustCompile(`^lib/`)}, inst)
		if srv.ShouldInstrument("/lib/dep.js") {
			t.Error("expected lib/ to be excluded")
		}
		if !srv.ShouldInstrument("/app.js") {
			t.Error("expected app.js to be instrumented")
		}
	})

	t.Run("non script", func(t *testing.T) {
		srv, _ := setupTestServer(t, Options{Instrument: true}, inst)
		if srv.ShouldInstrument("/style.css") {
			t.Error("expected css to be skipped")
		}
	})
}

func TestNewServer_RequiresInstrumenter(t *testing.T) {
	if _, err := NewServer(Options{BaseDir: t.TempDir(), Instrument: true}, nil, nil, nil); err == nil {
		t.Error("expected error when instrumentation has no instrumenter")
	}
}

func TestServer_ServeRaw(t *testing.T) {
	srv, _ := setupTestServer(t, Options{}, nil)

	rec := serve(srv, "/style.css", Mode{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "body{}" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "6" {
		t.Errorf("expected Content-Length 6, got %q", rec.Header().Get("Content-Length"))
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("expected text/css, got %q", ct)
	}

	rec = serve(srv, "/data.unknownext", Mode{})
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("expected generic binary type, got %q", ct)
	}
}

func TestServer_ServeHead(t *testing.T) {
	inst := &countingInstrumenter{}
	srv, _ := setupTestServer(t, Options{Instrument: true}, inst)

	rec := serve(srv, "/app.js", Mode{Instrument: true, OmitContent: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "12" {
		t.Errorf("expected Content-Length 12, got %q", rec.Header().Get("Content-Length"))
	}
	if inst.calls.Load() != 0 {
		t.Errorf("HEAD must not instrument, got %d calls", inst.calls.Load())
	}
}

func TestServer_NotFound(t *testing.T) {
	srv, _ := setupTestServer(t, Options{}, nil)

	for _, path := range []string{"/missing.js", "/lib"} {
		rec := serve(srv, path, Mode{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
		if rec.Body.Len() <= 512 {
			t.Errorf("%s: expected padded body over 512 bytes, got %d", path, rec.Body.Len())
		}
	}

	rec := serve(srv, "/missing.css", Mode{OmitContent: true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("HEAD on missing file: expected 404, got %d", rec.Code)
	}
}

func TestServer_InstrumentationCache(t *testing.T) {
	inst := &countingInstrumenter{}
	srv, baseDir := setupTestServer(t, Options{Instrument: true}, inst)

	first := serve(srv, "/app.js", Mode{Instrument: true})
	second := serve(srv, "/app.js", Mode{Instrument: true})

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != "/* cov app.js */\nvar app = 1;" {
		t.Errorf("unexpected instrumented body %q", first.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("responses differ: %q vs %q", first.Body.String(), second.Body.String())
	}
	if inst.calls.Load() != 1 {
		t.Errorf("expected 1 instrumenter call, got %d", inst.calls.Load())
	}

	path := filepath.Join(baseDir, "app.js")
	writeFile(t, path, "var app = 2;")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to change mtime: %v", err)
	}

	third := serve(srv, "/app.js", Mode{Instrument: true})
	if third.Body.String() != "/* cov app.js */\nvar app = 2;" {
		t.Errorf("expected updated content, got %q", third.Body.String())
	}
	if inst.calls.Load() != 2 {
		t.Errorf("expected re-instrumentation after mtime change, got %d calls", inst.calls.Load())
	}
}

func TestServer_InternalNeverInstrumented(t *testing.T) {
	inst := &countingInstrumenter{}
	srv, _ := setupTestServer(t, Options{Instrument: true}, inst)

	rec := serve(srv, "/__intern/client.js", Mode{Instrument: true})
	if rec.Code != http.StatusOK || rec.Body.String() != "var client = 3;" {
		t.Errorf("unexpected internal response %d %q", rec.Code, rec.Body.String())
	}
	if inst.calls.Load() != 0 {
		t.Errorf("internal assets must not be instrumented, got %d calls", inst.calls.Load())
	}
}

func TestServer_TransformFailure(t *testing.T) {
	inst := &countingInstrumenter{err: errors.New("unexpected token")}
	srv, _ := setupTestServer(t, Options{Instrument: true}, inst)

	rec := serve(srv, "/app.js", Mode{Instrument: true})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if srv.Cache().Len() != 0 {
		t.Errorf("failed transforms must not be cached")
	}

	serve(srv, "/app.js", Mode{Instrument: true})
	if inst.calls.Load() != 2 {
		t.Errorf("expected the transform to run again, got %d calls", inst.calls.Load())
	}
}

func TestServer_ConcurrentInstrumentation(t *testing.T) {
	inst := &countingInstrumenter{}
	srv, _ := setupTestServer(t, Options{Instrument: true}, inst)

	var wg sync.WaitGroup
	bodies := make([]string, 8)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bodies[i] = serve(srv, "/app.js", Mode{Instrument: true}).Body.String()
		}()
	}
	wg.Wait()

	for i, b := range bodies {
		if b != bodies[0] {
			t.Errorf("response %d differs: %q", i, b)
		}
	}
}

// touchWriter records whether anything was written to the response.
type touchWriter struct {
	header  http.Header
	touched atomic.Bool
}

func (w *touchWriter) Header() http.Header { return w.header }

func (w *touchWriter) Write(p []byte) (int, error) {
	w.touched.Store(true)
	return len(p), nil
}

func (w *touchWriter) WriteHeader(int) { w.touched.Store(true) }

// blockingFS holds ReadFile and Open until release is closed.
type blockingFS struct {
	OSFileSystem
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFS) ReadFile(name string) ([]byte, error) {
	close(b.entered)
	<-b.release
	return b.OSFileSystem.ReadFile(name)
}

func (b *blockingFS) Open(name string) (fs.File, error) {
	close(b.entered)
	<-b.release
	return b.OSFileSystem.Open(name)
}

func TestServer_StopAbandonsInFlightRead(t *testing.T) {
	for _, mode := range []Mode{{Instrument: true}, {Instrument: false}} {
		inst := &countingInstrumenter{}
		srv, _ := setupTestServer(t, Options{Instrument: true}, inst)

		bfs := &blockingFS{entered: make(chan struct{}), release: make(chan struct{})}
		srv.SetFileSystem(bfs)

		w := &touchWriter{header: make(http.Header)}
		done := make(chan struct{})
		var abandoned atomic.Bool
		go func() {
			abandoned.Store(srv.Serve(context.Background(), w, "/app.js", mode))
			close(done)
		}()

		<-bfs.entered
		srv.Stop()
		close(bfs.release)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Serve did not return after stop")
		}

		if w.touched.Load() {
			t.Errorf("instrument=%v: expected no response after stop", mode.Instrument)
		}
		if !abandoned.Load() {
			t.Errorf("instrument=%v: expected Serve to report the abandoned response", mode.Instrument)
		}
		if inst.calls.Load() != 0 {
			t.Errorf("instrument=%v: expected no transform after stop", mode.Instrument)
		}
	}
}

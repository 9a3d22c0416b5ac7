// Package asset serves test code from disk, optionally passing JavaScript
// through the coverage instrumenter and caching the result per file until
// the file's modification time changes.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/remote-test-proxy/backend/internal/cache"
	"github.com/remote-test-proxy/backend/internal/instrument"
	"github.com/remote-test-proxy/backend/internal/metrics"
	"github.com/remote-test-proxy/backend/internal/model"
)

// DefaultInternalPrefix is the request prefix served from the installation directory.
const DefaultInternalPrefix = "/__intern/"

const defaultContentType = "application/octet-stream"

// notFoundBody is padded past 512 bytes so browsers show it instead of
// substituting their own error page.
var notFoundBody = []byte("<!DOCTYPE html><title>404 Not Found</title><h1>404 Not Found</h1><!-- " +
	strings.Repeat(".", 512) + " -->")

// Options configures a Server.
type Options struct {
	// BaseDir is the root for ordinary requests.
	BaseDir string

	// InstallDir is the root for requests under InternalPrefix.
	InstallDir string

	// InternalPrefix defaults to DefaultInternalPrefix.
	InternalPrefix string

	// Instrument enables the instrumenter for eligible scripts.
	Instrument bool

	// ExcludeAll disables instrumentation for every request.
	ExcludeAll bool

	// Exclude is matched against the request path without its leading slash.
	Exclude *regexp.Regexp

	// TransformOptions is passed to the instrumenter unchanged.
	TransformOptions map[string]any
}

// Mode describes what a request needs from Serve.
type Mode struct {
	// Instrument asks for the instrumented variant, subject to eligibility.
	Instrument bool

	// OmitContent writes headers only. Content-Length is the size on disk,
	// so for an instrumentable script it differs from the GET body length.
	OmitContent bool
}

// Resolved is a request path mapped onto the filesystem.
type Resolved struct {
	Path      string
	Transform bool
	Internal  bool
}

// Server serves files and instrumented scripts.
type Server struct {
	opts         Options
	fs           FileSystem
	cache        *cache.Cache
	instrumenter instrument.Instrumenter
	metrics      *metrics.Metrics

	group   singleflight.Group
	stopped atomic.Bool
}

// NewServer creates a Server. The instrumenter may be nil when
// opts.Instrument is false.
func NewServer(opts Options, c *cache.Cache, inst instrument.Instrumenter, m *metrics.Metrics) (*Server, error) {
	if opts.Instrument && inst == nil {
		return nil, errors.New("instrumentation enabled without an instrumenter")
	}
	if opts.InternalPrefix == "" {
		opts.InternalPrefix = DefaultInternalPrefix
	}

	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base dir: %w", err)
	}
	opts.BaseDir = base

	if opts.InstallDir != "" {
		install, err := filepath.Abs(opts.InstallDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve install dir: %w", err)
		}
		opts.InstallDir = install
	}

	if c == nil {
		c = cache.New()
	}

	return &Server{
		opts:         opts,
		fs:           OSFileSystem{},
		cache:        c,
		instrumenter: inst,
		metrics:      m,
	}, nil
}

// SetFileSystem replaces the filesystem. Intended for tests.
func (s *Server) SetFileSystem(fsys FileSystem) {
	s.fs = fsys
}

// Cache returns the instrumentation cache.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Stop marks the server as stopped. Requests still waiting on the filesystem
// return without writing anything.
func (s *Server) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether Stop was called.
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}

// IsScript reports whether a request path names a JavaScript file.
func IsScript(requestPath string) bool {
	p, _, _ := strings.Cut(requestPath, "?")
	return strings.HasSuffix(p, ".js")
}

// ShouldInstrument reports whether requestPath is eligible for instrumentation.
func (s *Server) ShouldInstrument(requestPath string) bool {
	if !s.opts.Instrument || s.opts.ExcludeAll || !IsScript(requestPath) {
		return false
	}
	if s.opts.Exclude != nil {
		p, _, _ := strings.Cut(requestPath, "?")
		if s.opts.Exclude.MatchString(strings.TrimPrefix(p, "/")) {
			return false
		}
	}
	return true
}

// Resolve maps a request path to a file. Paths under the internal prefix
// resolve against the installation directory and are never transformed.
// The cleaned path is not checked for containment in its root.
func (s *Server) Resolve(requestPath string, wantInstrument bool) Resolved {
	p, _, _ := strings.Cut(requestPath, "?")

	res := Resolved{Transform: wantInstrument && s.ShouldInstrument(p)}
	root, rel := s.opts.BaseDir, p

	if strings.HasPrefix(p, s.opts.InternalPrefix) {
		root = s.opts.InstallDir
		rel = strings.TrimPrefix(p, s.opts.InternalPrefix)
		res.Internal = true
		res.Transform = false
	}

	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += "index.html"
	}

	res.Path = filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))
	return res
}

// ContentType returns the MIME type for a file path.
func ContentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return defaultContentType
}

// Serve writes the response for requestPath. It returns true when the server
// was stopped mid-request and nothing was written; the caller must then drop
// the connection rather than let a default status reach the client.
func (s *Server) Serve(ctx context.Context, w http.ResponseWriter, requestPath string, mode Mode) (abandoned bool) {
	res := s.Resolve(requestPath, mode.Instrument)

	info, err := s.fs.Stat(res.Path)
	if s.Stopped() {
		return true
	}
	if err != nil || info.IsDir() {
		s.notFound(w)
		return false
	}

	w.Header().Set("Content-Type", ContentType(res.Path))

	if mode.OmitContent {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		s.metrics.AssetResponse("200")
		return false
	}

	if !res.Transform {
		return s.serveRaw(w, res.Path, info.Size())
	}

	content, err := s.instrumented(ctx, res.Path, info.ModTime())
	if s.Stopped() {
		return true
	}
	if err != nil {
		if errors.Is(err, model.ErrMissingAsset) {
			s.notFound(w)
			return false
		}
		log.Printf("Failed to serve %s: %v", res.Path, err)
		s.failed(w)
		return false
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	s.metrics.AssetResponse("200")
	w.Write(content)
	return false
}

func (s *Server) serveRaw(w http.ResponseWriter, path string, size int64) (abandoned bool) {
	f, err := s.fs.Open(path)
	if s.Stopped() {
		if err == nil {
			f.Close()
		}
		return true
	}
	if err != nil {
		s.notFound(w)
		return false
	}
	defer f.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	s.metrics.AssetResponse("200")

	if _, err := io.Copy(w, f); err != nil && !s.Stopped() {
		log.Printf("Failed to stream %s: %v", path, err)
	}
	return false
}

// instrumented returns the transformed content of path, reusing the cached
// result while the file's modification time is unchanged.
func (s *Server) instrumented(ctx context.Context, path string, modTime time.Time) ([]byte, error) {
	content, status := s.cache.Lookup(path, modTime)
	s.metrics.CacheLookup(string(status))
	if status == cache.Hit {
		return content, nil
	}

	key := path + "\x00" + modTime.Format(time.RFC3339Nano)
	v, err, _ := s.group.Do(key, func() (any, error) {
		source, err := s.fs.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrMissingAsset, path, err)
		}
		if s.Stopped() {
			return nil, model.ErrServerStopped
		}

		start := time.Now()
		out, err := s.instrumenter.Instrument(context.WithoutCancel(ctx), source, path, s.opts.TransformOptions)
		s.metrics.ObserveTransform(time.Since(start).Seconds())
		if err != nil {
			s.metrics.TransformFailed()
			return nil, fmt.Errorf("%w: %s: %v", model.ErrTransformFailure, path, err)
		}

		// The mtime comes from the stat before the read; a write in between
		// leaves an entry older than its content until the next change.
		s.cache.Store(path, modTime, out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Server) notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(notFoundBody)))
	w.WriteHeader(http.StatusNotFound)
	s.metrics.AssetResponse("404")
	w.Write(notFoundBody)
}

func (s *Server) failed(w http.ResponseWriter) {
	w.Header().Del("Content-Type")
	w.WriteHeader(http.StatusInternalServerError)
	s.metrics.AssetResponse("500")
}

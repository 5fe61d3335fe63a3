// Package cdn rewrites file URLs onto the active CDN provider with image
// optimization and cache-control parameters. It is read-side only and never
// the source of truth for content.
package cdn

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultCacheSize    = 4096
	DefaultCacheTTL     = 24 * time.Hour
	DefaultCacheControl = "public,max-age=31536000"
)

// DefaultSrcSetWidths are the widths ResponsiveSrcSet uses when none are given.
var DefaultSrcSetWidths = []int{480, 768, 1024, 1200, 1920}

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"webp": true, "svg": true, "bmp": true,
}

// Provider is one CDN endpoint.
type Provider struct {
	Key     string   `json:"key" yaml:"key"`
	Name    string   `json:"name" yaml:"name"`
	BaseURL string   `json:"baseUrl" yaml:"base_url"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Regions []string `json:"regions" yaml:"regions"`
}

// DefaultProviders returns cloudflare, aws and vercel in priority order.
func DefaultProviders() []Provider {
	return []Provider{
		{Key: "cloudflare", Name: "Cloudflare", BaseURL: "https://cdn.forlifetrading.com", Enabled: true, Regions: []string{"global"}},
		{Key: "aws", Name: "AWS CloudFront", BaseURL: "https://d1234567890.cloudfront.net", Regions: []string{"us-east-1", "eu-west-1", "ap-south-1"}},
		{Key: "vercel", Name: "Vercel Edge Network", BaseURL: "https://forlifetrading.vercel.app", Enabled: true, Regions: []string{"global"}},
	}
}

// Settings toggle URL rewriting features. LazyLoading does not affect URLs;
// it is stored and reported so dashboards can defer offscreen images.
type Settings struct {
	ImageOptimization bool `json:"imageOptimization" yaml:"image_optimization"`
	Compression       bool `json:"compression" yaml:"compression"`
	Caching           bool `json:"caching" yaml:"caching"`
	LazyLoading       bool `json:"lazyLoading" yaml:"lazy_loading"`
	WebPConversion    bool `json:"webpConversion" yaml:"webp_conversion"`
}

// DefaultSettings enables everything.
func DefaultSettings() Settings {
	return Settings{ImageOptimization: true, Compression: true, Caching: true, LazyLoading: true, WebPConversion: true}
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	ImageOptimization *bool `json:"imageOptimization,omitempty"`
	Compression       *bool `json:"compression,omitempty"`
	Caching           *bool `json:"caching,omitempty"`
	LazyLoading       *bool `json:"lazyLoading,omitempty"`
	WebPConversion    *bool `json:"webpConversion,omitempty"`
}

// Flag names a setting observers can watch.
type Flag string

// Flags.
const (
	FlagImageOptimization Flag = "imageOptimization"
	FlagCompression       Flag = "compression"
	FlagCaching           Flag = "caching"
	FlagLazyLoading       Flag = "lazyLoading"
	FlagWebPConversion    Flag = "webpConversion"
)

// AllFlags lists every watchable setting.
var AllFlags = []Flag{FlagImageOptimization, FlagCompression, FlagCaching, FlagLazyLoading, FlagWebPConversion}

// SettingsChange is the payload published when an update touches Flag.
type SettingsChange struct {
	Flag     Flag     `json:"flag"`
	Settings Settings `json:"settings"`
}

// apply merges p into s and returns the flags p touched.
func (p Patch) apply(s *Settings) []Flag {
	var touched []Flag
	set := func(dst *bool, src *bool, f Flag) {
		if src != nil {
			*dst = *src
			touched = append(touched, f)
		}
	}
	set(&s.ImageOptimization, p.ImageOptimization, FlagImageOptimization)
	set(&s.Compression, p.Compression, FlagCompression)
	set(&s.Caching, p.Caching, FlagCaching)
	set(&s.LazyLoading, p.LazyLoading, FlagLazyLoading)
	set(&s.WebPConversion, p.WebPConversion, FlagWebPConversion)
	return touched
}

// ImageOptions tune one optimized URL. Zero values are omitted.
type ImageOptions struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Quality int    `json:"quality,omitempty"`
	Format  string `json:"format,omitempty"`
	// CacheControl overrides DefaultCacheControl.
	CacheControl string `json:"cache,omitempty"`
}

// Stats reports the provider and URL cache state.
type Stats struct {
	ActiveProvider      string   `json:"activeProvider"`
	CacheSize           int      `json:"cacheSize"`
	Hits                uint64   `json:"hits"`
	Misses              uint64   `json:"misses"`
	HitRate             float64  `json:"hitRate"`
	OptimizationEnabled bool     `json:"optimizationEnabled"`
	Regions             []string `json:"regions"`
}

// Options configure a Layer.
type Options struct {
	Providers []Provider
	Settings  *Settings
	CacheSize int
	CacheTTL  time.Duration
	// Store persists settings under "cdnSettings" when set.
	Store   kv.Store
	Metrics *metrics.Metrics
}

// Layer rewrites URLs. It is safe for concurrent use.
type Layer struct {
	providers []Provider
	store     kv.Store
	metrics   *metrics.Metrics
	cache     *expirable.LRU[string, string]
	hits      atomic.Uint64
	misses    atomic.Uint64

	mu        sync.RWMutex
	settings  Settings
	observers map[Flag][]func(Settings)
}

// New creates a CDN layer.
func New(opts Options) *Layer {
	if opts.Providers == nil {
		opts.Providers = DefaultProviders()
	}
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Layer{
		providers: opts.Providers,
		store:     opts.Store,
		metrics:   opts.Metrics,
		cache:     expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL),
		settings:  settings,
		observers: map[Flag][]func(Settings){},
	}
}

// LoadSettings replaces the settings with the persisted copy, if any.
func (l *Layer) LoadSettings(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var s Settings
	found, err := kv.Get(ctx, l.store, kv.CDNSettingsKey, &s)
	if err != nil || !found {
		return err
	}
	l.mu.Lock()
	l.settings = s
	l.mu.Unlock()
	l.cache.Purge()
	return nil
}

// Settings returns the current settings.
func (l *Layer) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.settings
}

// OnChange registers fn to run whenever an update touches flag.
func (l *Layer) OnChange(flag Flag, fn func(Settings)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers[flag] = append(l.observers[flag], fn)
}

// UpdateSettings merges p over the current settings, last write wins.
// Observers of every touched flag are re-run with the new settings and the
// URL cache is dropped.
func (l *Layer) UpdateSettings(ctx context.Context, p Patch) (Settings, error) {
	l.mu.Lock()
	next := l.settings
	touched := p.apply(&next)
	l.settings = next
	var notify []func(Settings)
	for _, f := range touched {
		notify = append(notify, l.observers[f]...)
	}
	l.mu.Unlock()

	l.cache.Purge()
	for _, fn := range notify {
		fn(next)
	}

	if l.store != nil {
		if err := kv.Put(ctx, l.store, kv.CDNSettingsKey, next); err != nil {
			return next, fmt.Errorf("persist cdn settings: %w", err)
		}
	}
	return next, nil
}

// ActiveProvider returns the first enabled provider.
func (l *Layer) ActiveProvider() (Provider, bool) {
	for _, p := range l.providers {
		if p.Enabled {
			return p, true
		}
	}
	return Provider{}, false
}

// OptimizedURL maps original onto the active provider. webp reports whether
// the requesting client accepts WebP. Any failure returns original unchanged.
func (l *Layer) OptimizedURL(original string, opts ImageOptions, webp bool) string {
	provider, ok := l.ActiveProvider()
	if !ok {
		return original
	}

	key := fmt.Sprintf("%s|%d|%d|%d|%s|%s|%t", original, opts.Width, opts.Height, opts.Quality, opts.Format, opts.CacheControl, webp)
	if v, ok := l.cache.Get(key); ok {
		l.hits.Add(1)
		l.metrics.RecordCDNCache(true)
		return v
	}
	l.misses.Add(1)
	l.metrics.RecordCDNCache(false)

	out, err := l.rewrite(provider, original, opts, webp)
	if err != nil {
		log.Debug().Err(err).Str("url", original).Msg("cdn rewrite failed, using original url")
		return original
	}
	l.cache.Add(key, out)
	return out
}

func (l *Layer) rewrite(provider Provider, original string, opts ImageOptions, webp bool) (string, error) {
	u, err := url.Parse(original)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		return "", fmt.Errorf("url has no path")
	}
	s := l.Settings()

	params := url.Values{}
	if isImage(u.Path) && s.ImageOptimization {
		if opts.Width > 0 {
			params.Set("w", strconv.Itoa(opts.Width))
		}
		if opts.Height > 0 {
			params.Set("h", strconv.Itoa(opts.Height))
		}
		if opts.Quality > 0 {
			params.Set("q", strconv.Itoa(opts.Quality))
		}
		if opts.Format != "" {
			params.Set("f", opts.Format)
		}
		if s.WebPConversion && webp {
			params.Set("f", "webp")
		}
	}
	if s.Compression {
		params.Set("compress", "true")
	}
	if s.Caching {
		cc := opts.CacheControl
		if cc == "" {
			cc = DefaultCacheControl
		}
		params.Set("cache", cc)
	}

	out := strings.TrimSuffix(provider.BaseURL, "/") + u.EscapedPath()
	if len(params) > 0 {
		out += "?" + params.Encode()
	}
	return out, nil
}

// ResponsiveSrcSet returns a srcset of width-tagged optimized URLs.
func (l *Layer) ResponsiveSrcSet(original string, widths []int, webp bool) string {
	if len(widths) == 0 {
		widths = DefaultSrcSetWidths
	}
	parts := make([]string, 0, len(widths))
	for _, w := range widths {
		parts = append(parts, fmt.Sprintf("%s %dw", l.OptimizedURL(original, ImageOptions{Width: w}, webp), w))
	}
	return strings.Join(parts, ", ")
}

// Purge drops cached rewrites of the given URLs, matched by full URL or
// file name. An empty list drops everything. It returns the entries removed.
func (l *Layer) Purge(urls []string) int {
	if len(urls) == 0 {
		n := l.cache.Len()
		l.cache.Purge()
		return n
	}
	match := map[string]bool{}
	for _, u := range urls {
		match[u] = true
		match[path.Base(u)] = true
	}
	removed := 0
	for _, key := range l.cache.Keys() {
		original, _, _ := strings.Cut(key, "|")
		if match[original] || match[path.Base(original)] {
			if l.cache.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Stats reports the active provider and real cache hit counts.
func (l *Layer) Stats() Stats {
	st := Stats{
		ActiveProvider:      "None",
		CacheSize:           l.cache.Len(),
		Hits:                l.hits.Load(),
		Misses:              l.misses.Load(),
		OptimizationEnabled: l.Settings().ImageOptimization,
		Regions:             []string{},
	}
	if p, ok := l.ActiveProvider(); ok {
		st.ActiveProvider = p.Name
		st.Regions = p.Regions
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total) * 100
	}
	return st
}

// CDNPath builds a collision-resistant upload path:
// "<base>/<hash>/<name>_<unixmilli>.<ext>".
func CDNPath(filename, base string, now time.Time) string {
	ts := now.UnixMilli()
	hash := strconv.FormatUint(xxhash.Sum64String(filename+strconv.FormatInt(ts, 10)), 36)
	ext := strings.TrimPrefix(path.Ext(filename), ".")
	name := strings.TrimSuffix(filename, path.Ext(filename))
	p := fmt.Sprintf("%s/%s/%s_%d", base, hash, name, ts)
	if ext != "" {
		p += "." + ext
	}
	p = "/" + strings.TrimLeft(p, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func isImage(p string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	return imageExtensions[ext]
}

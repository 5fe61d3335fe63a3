package cdn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestActiveProvider_PriorityOrder(t *testing.T) {
	l := New(Options{})
	p, ok := l.ActiveProvider()
	require.True(t, ok)
	assert.Equal(t, "cloudflare", p.Key)

	providers := DefaultProviders()
	providers[0].Enabled = false
	p, ok = New(Options{Providers: providers}).ActiveProvider()
	require.True(t, ok)
	assert.Equal(t, "vercel", p.Key, "aws is disabled by default")
}

func TestOptimizedURL_NoProviderPassthrough(t *testing.T) {
	l := New(Options{Providers: []Provider{}})
	_, ok := l.ActiveProvider()
	assert.False(t, ok)

	in := "https://vault.test/blobs/profile/u1/1-me.jpg"
	assert.Equal(t, in, l.OptimizedURL(in, ImageOptions{Width: 100}, true))
	assert.Equal(t, "None", l.Stats().ActiveProvider)
}

func TestOptimizedURL_Image(t *testing.T) {
	l := New(Options{})
	got := l.OptimizedURL("https://vault.test/blobs/profile/u1/1-me.jpg?x=1",
		ImageOptions{Width: 320, Height: 200, Quality: 85, Format: "png"}, false)

	assert.Equal(t,
		"https://cdn.forlifetrading.com/blobs/profile/u1/1-me.jpg?cache=public%2Cmax-age%3D31536000&compress=true&f=png&h=200&q=85&w=320",
		got)
}

func TestOptimizedURL_WebPOnlyWhenSupported(t *testing.T) {
	l := New(Options{})
	in := "https://vault.test/img/a.png"

	assert.NotContains(t, l.OptimizedURL(in, ImageOptions{}, false), "f=webp")
	assert.Contains(t, l.OptimizedURL(in, ImageOptions{Format: "png"}, true), "f=webp")

	_, err := l.UpdateSettings(context.Background(), Patch{WebPConversion: boolPtr(false)})
	require.NoError(t, err)
	assert.NotContains(t, l.OptimizedURL(in, ImageOptions{}, true), "f=webp")
}

func TestOptimizedURL_NonImage(t *testing.T) {
	l := New(Options{})
	got := l.OptimizedURL("https://vault.test/docs/report.pdf", ImageOptions{Width: 300}, true)
	assert.Equal(t, "https://cdn.forlifetrading.com/docs/report.pdf?cache=public%2Cmax-age%3D31536000&compress=true", got)
}

func TestOptimizedURL_SettingsOff(t *testing.T) {
	off := Settings{}
	l := New(Options{Settings: &off})
	got := l.OptimizedURL("https://vault.test/img/a.png", ImageOptions{Width: 300}, true)
	assert.Equal(t, "https://cdn.forlifetrading.com/img/a.png", got)
}

func TestOptimizedURL_InvalidFallsBack(t *testing.T) {
	l := New(Options{})
	bad := "://not a url"
	assert.Equal(t, bad, l.OptimizedURL(bad, ImageOptions{}, false))
}

func TestOptimizedURL_CacheStats(t *testing.T) {
	l := New(Options{})
	in := "https://vault.test/img/a.png"

	first := l.OptimizedURL(in, ImageOptions{Width: 10}, false)
	second := l.OptimizedURL(in, ImageOptions{Width: 10}, false)
	assert.Equal(t, first, second)

	st := l.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 50.0, st.HitRate, 0.001)
	assert.Equal(t, 1, st.CacheSize)
	assert.Equal(t, "Cloudflare", st.ActiveProvider)
	assert.Equal(t, []string{"global"}, st.Regions)
}

func TestOptimizedURL_CacheExpires(t *testing.T) {
	l := New(Options{CacheTTL: 20 * time.Millisecond})
	l.OptimizedURL("https://vault.test/img/a.png", ImageOptions{}, false)
	assert.Eventually(t, func() bool { return l.Stats().CacheSize == 0 }, time.Second, 5*time.Millisecond)
}

func TestResponsiveSrcSet(t *testing.T) {
	l := New(Options{})
	set := l.ResponsiveSrcSet("https://vault.test/img/a.png", nil, false)
	parts := strings.Split(set, ", ")
	require.Len(t, parts, len(DefaultSrcSetWidths))
	assert.True(t, strings.HasSuffix(parts[0], " 480w"))
	assert.Contains(t, parts[0], "w=480")
	assert.True(t, strings.HasSuffix(parts[4], " 1920w"))

	set = l.ResponsiveSrcSet("https://vault.test/img/a.png", []int{100}, false)
	assert.NotContains(t, set, ", ")
}

func TestUpdateSettings_MergeAndObservers(t *testing.T) {
	store := kv.NewMemoryStore()
	l := New(Options{Store: store})
	ctx := context.Background()

	var lazyCalls, optCalls int
	l.OnChange(FlagLazyLoading, func(s Settings) {
		lazyCalls++
		assert.False(t, s.LazyLoading)
	})
	l.OnChange(FlagImageOptimization, func(Settings) { optCalls++ })

	l.OptimizedURL("https://vault.test/img/a.png", ImageOptions{}, false)
	require.Equal(t, 1, l.Stats().CacheSize)

	s, err := l.UpdateSettings(ctx, Patch{LazyLoading: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, s.LazyLoading)
	assert.True(t, s.ImageOptimization, "untouched fields keep their value")
	assert.Equal(t, 1, lazyCalls)
	assert.Equal(t, 0, optCalls)
	assert.Equal(t, 0, l.Stats().CacheSize, "cache dropped on settings change")

	reloaded := New(Options{Store: store})
	require.NoError(t, reloaded.LoadSettings(ctx))
	assert.False(t, reloaded.Settings().LazyLoading)
}

func TestPurge(t *testing.T) {
	l := New(Options{})
	l.OptimizedURL("https://vault.test/img/a.png", ImageOptions{}, false)
	l.OptimizedURL("https://vault.test/img/a.png", ImageOptions{Width: 10}, false)
	l.OptimizedURL("https://vault.test/img/b.png", ImageOptions{}, false)

	assert.Equal(t, 2, l.Purge([]string{"a.png"}))
	assert.Equal(t, 1, l.Stats().CacheSize)
	assert.Equal(t, 1, l.Purge(nil))
	assert.Equal(t, 0, l.Stats().CacheSize)
}

func TestCDNPath(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	p := CDNPath("photo.final.jpg", "/uploads/", now)
	assert.Regexp(t, `^/uploads/[0-9a-z]+/photo\.final_1700000000000\.jpg$`, p)
	assert.Equal(t, p, CDNPath("photo.final.jpg", "/uploads/", now), "deterministic for a given time")

	p = CDNPath("README", "", now)
	assert.Regexp(t, `^/[0-9a-z]+/README_1700000000000$`, p)
}

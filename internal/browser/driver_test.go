// internal/browser/driver_test.go
package browser

import (
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nettleworks/ferret/api/schemas"
)

func TestNormalizePageID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://shop.example.com/cart?utm_source=mail#items", "https://shop.example.com/cart"},
		{"https://shop.example.com/cart/", "https://shop.example.com/cart"},
		{"https://shop.example.com/", "https://shop.example.com"},
		{"https://shop.example.com", "https://shop.example.com"},
		{"https://shop.example.com/a/b?x=1&y=2", "https://shop.example.com/a/b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePageID(tt.in))
	}

	t.Run("same logical page collapses to one identity", func(t *testing.T) {
		a := NormalizePageID("https://shop.example.com/search?q=boots")
		b := NormalizePageID("https://shop.example.com/search?q=socks")
		assert.Equal(t, a, b)
	})
}

func TestRecordLocationStaysOnOrigin(t *testing.T) {
	d := &Driver{originHost: "shop.example.com", lastURL: "https://shop.example.com/cart"}

	// An external location must not become the origin-recovery target.
	d.recordLocation("https://tracker.adnet.example/landing")
	assert.Equal(t, "https://shop.example.com/cart", d.lastURL)

	d.recordLocation("://bad url")
	assert.Equal(t, "https://shop.example.com/cart", d.lastURL)

	d.recordLocation("https://shop.example.com/checkout")
	assert.Equal(t, "https://shop.example.com/checkout", d.lastURL)

	// Before the origin is pinned every location is recorded.
	fresh := &Driver{}
	fresh.recordLocation("https://anywhere.example/start")
	assert.Equal(t, "https://anywhere.example/start", fresh.lastURL)
}

func TestEventBufferCaps(t *testing.T) {
	buf := newEventBuffer(3, 2)

	for i := 0; i < 10; i++ {
		buf.addConsole(schemas.ConsoleEntry{Text: fmt.Sprintf("msg-%d", i), Timestamp: time.Now()})
	}
	entries := buf.drainConsole()
	require.Len(t, entries, 3, "console log is capped")
	assert.Equal(t, "msg-7", entries[0].Text, "newest entries win")
	assert.Equal(t, "msg-9", entries[2].Text)

	for i := 0; i < 5; i++ {
		buf.addNetwork(schemas.NetworkEntry{Status: 500 + i})
	}
	failures := buf.drainNetwork()
	require.Len(t, failures, 2)
	assert.Equal(t, 503, failures[0].Status)
}

func TestEventBufferDrainClears(t *testing.T) {
	buf := newEventBuffer(10, 10)
	buf.addConsole(schemas.ConsoleEntry{Text: "one"})

	require.Len(t, buf.drainConsole(), 1)
	assert.Empty(t, buf.drainConsole(), "drain must clear the buffer")

	buf.addNetwork(schemas.NetworkEntry{Status: 500})
	require.Len(t, buf.drainNetwork(), 1)
	assert.Empty(t, buf.drainNetwork())
}

func TestEventBufferPopupQueue(t *testing.T) {
	buf := newEventBuffer(10, 10)

	_, ok := buf.takePopup()
	assert.False(t, ok)

	buf.addPopup(target.ID("tab-1"))
	buf.addPopup(target.ID("tab-2"))

	id, ok := buf.takePopup()
	require.True(t, ok)
	assert.Equal(t, target.ID("tab-1"), id, "popups are adopted oldest first")

	id, ok = buf.takePopup()
	require.True(t, ok)
	assert.Equal(t, target.ID("tab-2"), id)

	_, ok = buf.takePopup()
	assert.False(t, ok, "taking a popup removes it from the queue")
}

func TestNormalizeKeyName(t *testing.T) {
	assert.Equal(t, "\r", normalizeKeyName("Enter"))
	assert.Equal(t, "\r", normalizeKeyName("return"))
	assert.Equal(t, "\t", normalizeKeyName("tab"))
	assert.Equal(t, kb.Escape, normalizeKeyName("Escape"))
	assert.Equal(t, "\u001b", normalizeKeyName("esc"))
	assert.Equal(t, "a", normalizeKeyName("a"))
}

func TestJSStringEscaping(t *testing.T) {
	assert.Equal(t, `'plain'`, jsString("plain"))
	assert.Equal(t, `'it\'s'`, jsString("it's"))
	assert.Equal(t, `'a\\b'`, jsString(`a\b`))
	assert.Equal(t, `'line\nbreak'`, jsString("line\nbreak"))
}

func TestMarkTargetScript(t *testing.T) {
	script := markTargetScript("Add to cart", "button, a")
	assert.Contains(t, script, "'Add to cart'")
	assert.Contains(t, script, markAttr)
	assert.Contains(t, script, "'button, a'")
}

func TestCookieBannerScript(t *testing.T) {
	script := cookieBannerScript([]string{"Accept All", "Got it"})
	assert.Contains(t, script, "'accept all'")
	assert.Contains(t, script, "'got it'")
}

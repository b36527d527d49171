// File: internal/browser/driver.go
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/nettleworks/ferret/api/schemas"
	"github.com/nettleworks/ferret/internal/config"
)

// Driver owns a single browser tab and exposes the operations the pipeline
// needs. All methods that touch the page must be called from the foreground
// loop; the driver is not reentrant. Event capture (console, network) runs on
// chromedp's listener goroutine and is guarded internally.
type Driver struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	events *eventBuffer

	// originHost scopes the session; actions that navigate off it trigger a
	// return to the last on-origin URL.
	originHost string
	lastURL    string
}

// New creates a driver. Start must be called before any page operation.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Driver {
	return &Driver{
		logger: logger.Named("browser"),
		cfg:    cfg,
		events: newEventBuffer(cfg.ConsoleLogLimit, cfg.NetworkLogLimit),
	}
}

// Start launches the browser and opens the session tab.
func (d *Driver) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.WindowSize(d.cfg.ViewportWidth, d.cfg.ViewportHeight),
	)
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	for _, arg := range d.cfg.Args {
		if name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "="); ok {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(strings.TrimPrefix(arg, "--"), true))
		}
	}

	d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	d.tabCtx, d.tabCancel = chromedp.NewContext(d.allocCtx)

	d.listen(d.tabCtx)
	d.listenBrowser(d.tabCtx)

	if err := chromedp.Run(d.tabCtx, network.Enable()); err != nil {
		return fmt.Errorf("starting browser session: %w", err)
	}
	return nil
}

// Close tears the browser down. Safe to call more than once.
func (d *Driver) Close() {
	if d.tabCancel != nil {
		d.tabCancel()
		d.tabCancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
}

// Navigate loads a URL, dismisses any cookie consent banner, and pins the
// session's origin host on first use.
func (d *Driver) Navigate(ctx context.Context, rawURL string) error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.NavigationTimeout)
	defer cancel()

	if err := chromedp.Run(opCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigating to %s: %w", rawURL, err)
	}

	if d.originHost == "" {
		if u, err := url.Parse(rawURL); err == nil {
			d.originHost = u.Host
		}
	}
	d.recordLocation(rawURL)

	d.acceptCookieBanner()
	return nil
}

// CaptureFrame takes a viewport screenshot as PNG bytes.
func (d *Driver) CaptureFrame(ctx context.Context) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capturing frame: %w", err)
	}
	return buf, nil
}

// PageIdentity returns the normalized identity of the current page, used to
// scope the coverage map.
func (d *Driver) PageIdentity(ctx context.Context) (string, error) {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(opCtx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	d.recordLocation(loc)
	return NormalizePageID(loc), nil
}

// recordLocation remembers a location as the return point for origin
// recovery. Off-origin locations are ignored so that a redirect or an
// external link never becomes the page we navigate "back" to.
func (d *Driver) recordLocation(loc string) {
	if d.originHost == "" {
		d.lastURL = loc
		return
	}
	u, err := url.Parse(loc)
	if err != nil || u.Host != d.originHost {
		return
	}
	d.lastURL = loc
}

// NormalizePageID reduces a URL to its logical page: scheme, host and path,
// with query, fragment and trailing slash dropped.
func NormalizePageID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// Inventory lists the visible interactable elements on the current page.
func (d *Driver) Inventory(ctx context.Context) ([]schemas.Affordance, error) {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var affordances []schemas.Affordance
	if err := chromedp.Run(opCtx,
		chromedp.Evaluate(inventoryScript, &affordances),
	); err != nil {
		return nil, fmt.Errorf("collecting page inventory: %w", err)
	}
	return affordances, nil
}

// Evaluate runs a script on the page and decodes the result into out.
func (d *Driver) Evaluate(ctx context.Context, script string, out any) error {
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	if err := chromedp.Run(opCtx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("evaluating script: %w", err)
	}
	return nil
}

// EnsureOnOrigin keeps the session anchored after an action that moved it: a
// popup opened by the page is adopted as the active tab, and a navigation off
// the target host is undone by returning to the last on-origin URL.
func (d *Driver) EnsureOnOrigin(ctx context.Context) error {
	d.adoptPopup()
	if d.originHost == "" {
		return nil
	}
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var loc string
	if err := chromedp.Run(opCtx, chromedp.Location(&loc)); err != nil {
		return fmt.Errorf("reading location: %w", err)
	}
	u, err := url.Parse(loc)
	if err != nil || u.Host == d.originHost {
		return nil
	}

	d.logger.Info("Left the target origin, navigating back",
		zap.String("current", loc), zap.String("returning_to", d.lastURL))
	navCtx, navCancel := context.WithTimeout(d.tabCtx, d.cfg.NavigationTimeout)
	defer navCancel()
	return chromedp.Run(navCtx, chromedp.Navigate(d.lastURL))
}

// adoptPopup switches the session to the oldest pending popup target and closes
// the tab that opened it. The superseded context is left uncancelled because
// the adopted one derives from it; Close tears the whole tree down.
func (d *Driver) adoptPopup() {
	id, ok := d.events.takePopup()
	if !ok {
		return
	}

	var opener target.ID
	if c := chromedp.FromContext(d.tabCtx); c != nil && c.Target != nil {
		opener = c.Target.TargetID
	}

	newCtx, newCancel := chromedp.NewContext(d.tabCtx, chromedp.WithTargetID(id))
	opCtx, opCancel := context.WithTimeout(newCtx, d.cfg.ActionTimeout)
	defer opCancel()
	if err := chromedp.Run(opCtx,
		network.Enable(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		d.logger.Warn("Popup target could not be adopted", zap.Error(err))
		newCancel()
		return
	}

	d.tabCtx, d.tabCancel = newCtx, newCancel
	d.listen(d.tabCtx)
	d.logger.Info("Adopted popup as the active tab", zap.String("target_id", string(id)))

	if c := chromedp.FromContext(d.tabCtx); opener != "" && c != nil && c.Browser != nil {
		closeCtx, closeCancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
		defer closeCancel()
		if err := target.CloseTarget(opener).Do(cdp.WithExecutor(closeCtx, c.Browser)); err != nil {
			d.logger.Debug("Opener tab not closed", zap.Error(err))
		}
	}
}

// acceptCookieBanner tries the configured consent button labels. Best effort;
// a page without a banner is the common case.
func (d *Driver) acceptCookieBanner() {
	if len(d.cfg.CookieButtonTexts) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(d.tabCtx, d.cfg.ActionTimeout)
	defer cancel()

	var clicked bool
	err := chromedp.Run(opCtx,
		chromedp.Evaluate(cookieBannerScript(d.cfg.CookieButtonTexts), &clicked),
	)
	if err == nil && clicked {
		d.logger.Debug("Dismissed a cookie consent banner")
	}
}

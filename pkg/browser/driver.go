package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// Driver owns a Playwright instance and produces scoped browser handles
// for generation attempts. It is safe for use by a single attempt at a
// time per handle; the driver itself may be shared.
type Driver struct {
	opts Options
	log  *logrus.Entry

	pw          *playwright.Playwright
	initialized bool

	// backoff paces QR capture retries, replaceable in tests.
	backoff func(attempt int) time.Duration
}

// NewDriver creates a driver with the given options.
func NewDriver(opts Options, log *logrus.Entry) *Driver {
	return &Driver{
		opts:    opts.withDefaults(),
		log:     log,
		backoff: captureBackoff,
	}
}

// Initialize installs and starts the Playwright runtime. It must be
// called before opening a login surface and is a no-op when already
// initialized.
func (d *Driver) Initialize() error {
	if d.initialized {
		return nil
	}

	// Discard driver output so it cannot interleave with our own logs.
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if d.opts.DriverPath != "" {
		runOpts.DriverDirectory = d.opts.DriverPath
	}

	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("%w: installing playwright: %v", ErrLaunch, err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("%w: starting playwright: %v", ErrLaunch, err)
	}

	d.pw = pw
	d.initialized = true
	return nil
}

// OpenLoginSurface launches a browser, creates an isolated context and
// navigates to the WhatsApp Web login page. The returned handle must be
// released with Close on every exit path.
func (d *Driver) OpenLoginSurface(ctx context.Context) (*Handle, error) {
	if err := d.Initialize(); err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.opts.Headless),
	}
	if d.opts.BrowserPath != "" {
		launchOpts.ExecutablePath = playwright.String(d.opts.BrowserPath)
	}

	browser, err := d.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: launching chromium: %v", ErrLaunch, err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("%w: creating context: %v", ErrLaunch, err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("%w: creating page: %v", ErrLaunch, err)
	}

	handle := &Handle{
		Browser:  browser,
		Context:  bctx,
		Page:     page,
		OpenedAt: time.Now(),
	}

	if _, err := page.Goto(LoginURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		d.Close(handle)
		return nil, fmt.Errorf("%w: opening login surface: %v", ErrLaunch, err)
	}

	d.log.WithField("url", LoginURL).Debug("Login surface opened")
	return handle, nil
}

// CaptureQR extracts the currently displayed QR code from the page. Each
// attempt waits up to QRWait for the code to render; failed attempts are
// retried with backoff up to QRRetries times before ErrQRNotFound is
// surfaced.
func (d *Driver) CaptureQR(ctx context.Context, h *Handle) (*QRArtifact, error) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.QRRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		qr, err := d.captureOnce(h)
		if err == nil {
			return qr, nil
		}
		lastErr = err

		d.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"retries": d.opts.QRRetries,
		}).WithError(err).Warn("QR capture attempt failed")

		if attempt < d.opts.QRRetries {
			if err := sleepCtx(ctx, d.backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: after %d attempts: %v", ErrQRNotFound, d.opts.QRRetries, lastErr)
}

func (d *Driver) captureOnce(h *Handle) (*QRArtifact, error) {
	if _, err := h.Page.WaitForSelector(selectorQRCanvas, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(float64(d.opts.QRWait.Milliseconds())),
	}); err != nil {
		return nil, fmt.Errorf("waiting for qr canvas: %w", err)
	}

	result, err := h.Page.Evaluate(`() => {
		const c = document.querySelector('[data-ref] canvas');
		return c ? c.toDataURL('image/png') : null;
	}`)
	if err != nil {
		return nil, fmt.Errorf("reading qr canvas: %w", err)
	}

	dataURL, ok := result.(string)
	if !ok || dataURL == "" {
		return nil, fmt.Errorf("qr canvas produced no image")
	}

	image, err := decodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	qr := &QRArtifact{
		Image:      image,
		CapturedAt: time.Now().UTC(),
	}

	// Best effort: the container attribute carries the QR payload as text.
	if text, err := h.Page.GetAttribute(selectorQRContainer, "data-ref"); err == nil {
		qr.Text = text
	}

	return qr, nil
}

// LinkWithPhone drives the "Link with phone number" flow and returns the
// pairing code to be entered on the phone, as an alternative to scanning
// the QR code.
func (d *Driver) LinkWithPhone(ctx context.Context, h *Handle, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	timeout := playwright.Float(float64(d.opts.QRWait.Milliseconds()))

	if err := h.Page.Click(selectorLinkWithPhone, playwright.PageClickOptions{Timeout: timeout}); err != nil {
		return "", fmt.Errorf("%w: opening phone link flow: %v", ErrLinkCode, err)
	}
	if err := h.Page.Fill(selectorPhoneInput, phone, playwright.PageFillOptions{Timeout: timeout}); err != nil {
		return "", fmt.Errorf("%w: entering phone number: %v", ErrLinkCode, err)
	}
	if err := h.Page.Click(selectorPhoneNext, playwright.PageClickOptions{Timeout: timeout}); err != nil {
		return "", fmt.Errorf("%w: submitting phone number: %v", ErrLinkCode, err)
	}

	if _, err := h.Page.WaitForSelector(selectorLinkCode, playwright.PageWaitForSelectorOptions{
		Timeout: timeout,
	}); err != nil {
		return "", fmt.Errorf("%w: waiting for pairing code: %v", ErrLinkCode, err)
	}

	code, err := h.Page.TextContent(selectorLinkCode)
	if err != nil {
		return "", fmt.Errorf("%w: reading pairing code: %v", ErrLinkCode, err)
	}

	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if code == "" {
		return "", fmt.Errorf("%w: empty pairing code", ErrLinkCode)
	}
	return code, nil
}

// PollAuthenticated waits for the page to transition to an authenticated
// state, checking at PollInterval until timeout elapses. It returns false
// on timeout without error; the only error cases are context cancellation
// and page failures.
func (d *Driver) PollAuthenticated(ctx context.Context, h *Handle, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		element, err := h.Page.QuerySelector(selectorChatList)
		if err == nil && element != nil {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		wait := d.opts.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return false, err
		}
	}
}

// Close releases all browser resources held by the handle. It is
// idempotent and never fails; close errors during teardown are ignored
// so cleanup always completes.
func (d *Driver) Close(h *Handle) {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		if h.Page != nil {
			_ = h.Page.Close()
		}
		if h.Context != nil {
			_ = h.Context.Close()
		}
		if h.Browser != nil {
			_ = h.Browser.Close()
		}
		d.log.Debug("Browser handle released")
	})
}

// Shutdown stops the Playwright runtime. Handles must be closed first.
func (d *Driver) Shutdown() error {
	if !d.initialized || d.pw == nil {
		return nil
	}
	if err := d.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	d.initialized = false
	return nil
}

// captureBackoff returns the delay before the given retry attempt.
func captureBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 2 * time.Second
}

// decodeDataURL strips the data URL header and decodes the base64 body.
func decodeDataURL(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, "base64,")
	if idx < 0 {
		return nil, fmt.Errorf("unexpected data url format")
	}
	image, err := base64.StdEncoding.DecodeString(dataURL[idx+len("base64,"):])
	if err != nil {
		return nil, fmt.Errorf("decoding qr image: %w", err)
	}
	return image, nil
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

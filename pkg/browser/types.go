package browser

import (
	"errors"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Error taxonomy for browser-facing failures. Callers classify outcomes
// with errors.Is rather than string matching.
var (
	// ErrLaunch indicates the browser binary or driver could not be
	// started or the login surface could not be reached.
	ErrLaunch = errors.New("browser launch failed")

	// ErrQRNotFound indicates the page never rendered a QR code within
	// the bounded wait, across all retries.
	ErrQRNotFound = errors.New("qr code not found")

	// ErrLinkCode indicates the phone link code flow could not produce
	// a pairing code.
	ErrLinkCode = errors.New("phone link code unavailable")
)

// Handle owns the scoped browser resources for one generation attempt.
// It is released exactly once through Driver.Close, on every exit path.
type Handle struct {
	Browser playwright.Browser
	Context playwright.BrowserContext
	Page    playwright.Page

	// OpenedAt is when the login surface was opened.
	OpenedAt time.Time

	closeOnce sync.Once
}

// QRArtifact is the scannable code captured from the login surface,
// suitable for rendering in a browser-based UI.
type QRArtifact struct {
	// Image holds the QR as PNG bytes, captured from the login canvas.
	Image []byte `json:"-"`

	// Text is the encoded QR payload when the page exposes it, usable
	// for client-side rendering.
	Text string `json:"text,omitempty"`

	// CapturedAt is when the code was read from the page.
	CapturedAt time.Time `json:"captured_at"`
}

// Options configures the driver.
type Options struct {
	// Headless controls whether the browser runs without a window.
	Headless bool

	// BrowserPath overrides the browser executable location.
	BrowserPath string

	// DriverPath overrides the playwright driver directory.
	DriverPath string

	// QRWait bounds a single wait for the QR code to render.
	QRWait time.Duration

	// QRRetries is how many capture attempts are made before
	// surfacing ErrQRNotFound.
	QRRetries int

	// PollInterval paces the cooperative authentication polling.
	PollInterval time.Duration
}

// Defaults for browser operations.
const (
	DefaultQRWait       = 15 * time.Second
	DefaultQRRetries    = 3
	DefaultPollInterval = 2 * time.Second

	// LoginURL is the WhatsApp Web login surface.
	LoginURL = "https://web.whatsapp.com"
)

// Page selectors for the login surface. The data-ref attribute carries
// the QR payload; #side is the chat list, present only when authenticated.
const (
	selectorQRContainer = "[data-ref]"
	selectorQRCanvas    = "[data-ref] canvas"
	selectorChatList    = "#side"

	selectorLinkWithPhone = "//span[@role='button' and contains(text(), 'Link with phone number')]"
	selectorPhoneInput    = "input[aria-label='Phone number']"
	selectorPhoneNext     = "//div[@role='button' and contains(text(), 'Next')]"
	selectorLinkCode      = "div[data-testid='link-code']"
)

func (o Options) withDefaults() Options {
	if o.QRWait <= 0 {
		o.QRWait = DefaultQRWait
	}
	if o.QRRetries <= 0 {
		o.QRRetries = DefaultQRRetries
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

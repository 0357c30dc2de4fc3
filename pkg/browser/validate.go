package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/walink/walinkd/pkg/session"
)

const (
	restoreLocalStorageJS = `items => {
		for (const [k, v] of Object.entries(items)) {
			localStorage.setItem(k, v);
		}
	}`

	restoreSessionStorageJS = `items => {
		for (const [k, v] of Object.entries(items)) {
			sessionStorage.setItem(k, v);
		}
	}`

	// DefaultProbeTimeout bounds the wait for the authenticated marker
	// when probing a restored session.
	DefaultProbeTimeout = 60 * time.Second
)

// Validator probes whether a session artifact is actually usable by
// restoring it into a fresh headless context and waiting for the
// authenticated state. Extraction success alone does not prove the
// artifact works; this is the independent validation step.
type Validator struct {
	driver  *Driver
	timeout time.Duration
	log     *logrus.Entry
}

// NewValidator creates a validator using the given driver. A timeout of
// zero selects DefaultProbeTimeout.
func NewValidator(driver *Driver, timeout time.Duration, log *logrus.Entry) *Validator {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Validator{driver: driver, timeout: timeout, log: log}
}

// Validate restores the artifact into a new browser context, reloads the
// login surface and waits for the authenticated marker. A nil return
// means the artifact can authenticate; any error means it cannot.
func (v *Validator) Validate(ctx context.Context, a *session.Artifact) error {
	if a == nil {
		return fmt.Errorf("no artifact to validate")
	}

	state, err := a.Decode()
	if err != nil {
		return fmt.Errorf("decoding artifact: %w", err)
	}

	handle, err := v.driver.OpenLoginSurface(ctx)
	if err != nil {
		return err
	}
	defer v.driver.Close(handle)

	if err := restoreState(handle, state); err != nil {
		return err
	}

	// Reload so the page boots against the injected state.
	if _, err := handle.Page.Reload(playwright.PageReloadOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return fmt.Errorf("reloading with restored session: %w", err)
	}

	authenticated, err := v.driver.PollAuthenticated(ctx, handle, v.timeout)
	if err != nil {
		return err
	}
	if !authenticated {
		return fmt.Errorf("restored session did not authenticate within %s", v.timeout)
	}

	v.log.Info("Session artifact validated")
	return nil
}

func restoreState(h *Handle, state *session.State) error {
	if len(state.Cookies) > 0 {
		if err := h.Context.AddCookies(toPlaywrightCookies(state.Cookies)); err != nil {
			return fmt.Errorf("restoring cookies: %w", err)
		}
	}

	if len(state.LocalStorage) > 0 {
		if _, err := h.Page.Evaluate(restoreLocalStorageJS, state.LocalStorage); err != nil {
			return fmt.Errorf("restoring local storage: %w", err)
		}
	}

	if len(state.SessionStorage) > 0 {
		if _, err := h.Page.Evaluate(restoreSessionStorageJS, state.SessionStorage); err != nil {
			return fmt.Errorf("restoring session storage: %w", err)
		}
	}

	return nil
}

func toPlaywrightCookies(cookies []session.Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Expires != 0 {
			cookie.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			cookie.SameSite = &sameSite
		}
		out = append(out, cookie)
	}
	return out
}

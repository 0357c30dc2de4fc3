package browser

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"

	"github.com/walink/walinkd/pkg/session"
)

const (
	dumpLocalStorageJS = `() => {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
		return out;
	}`

	dumpSessionStorageJS = `() => {
		const out = {};
		for (let i = 0; i < sessionStorage.length; i++) {
			const k = sessionStorage.key(i);
			out[k] = sessionStorage.getItem(k);
		}
		return out;
	}`
)

// Extractor reads post-authentication browser storage and encodes it into
// a portable session artifact. Extraction is a pure read: it never
// mutates the browser context.
type Extractor struct {
	log *logrus.Entry
}

// NewExtractor creates an extractor.
func NewExtractor(log *logrus.Entry) *Extractor {
	return &Extractor{log: log}
}

// Extract captures cookies, local storage and session storage from the
// authenticated handle and serializes them. It fails with
// session.ErrExtraction when the expected storage is absent, meaning the
// login UI succeeded but the underlying state never persisted.
func (e *Extractor) Extract(ctx context.Context, h *Handle) (*session.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cookies, err := h.Context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("%w: reading cookies: %v", session.ErrExtraction, err)
	}

	localStorage, err := dumpStorage(h.Page, dumpLocalStorageJS)
	if err != nil {
		return nil, fmt.Errorf("%w: reading local storage: %v", session.ErrExtraction, err)
	}

	sessionStorage, err := dumpStorage(h.Page, dumpSessionStorageJS)
	if err != nil {
		return nil, fmt.Errorf("%w: reading session storage: %v", session.ErrExtraction, err)
	}

	state := &session.State{
		Cookies:        fromPlaywrightCookies(cookies),
		LocalStorage:   localStorage,
		SessionStorage: sessionStorage,
	}

	artifact, err := session.Encode(state)
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"cookies":      len(state.Cookies),
		"storage_keys": len(state.LocalStorage),
	}).Info("Session state extracted")

	return artifact, nil
}

func dumpStorage(page playwright.Page, script string) (map[string]string, error) {
	result, err := page.Evaluate(script)
	if err != nil {
		return nil, err
	}

	raw, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected storage dump shape %T", result)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

func fromPlaywrightCookies(cookies []playwright.Cookie) []session.Cookie {
	out := make([]session.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		out = append(out, cookie)
	}
	return out
}

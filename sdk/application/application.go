package application

import (
	"context"
	"net/http"

	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/session"
)

// Host is implemented by the program embedding the sdk. It provides what a
// browser would: an HTTP client, storage slots, a way to show the identity
// provider login page and to navigate away.
type Host interface {
	GetHTTPClient() *http.Client
	GetConfig() *config.Config
	// Cookies returns the cookie slot backend, nil when cookie persistence
	// is not supported.
	Cookies() session.CookieSlot
	// LocalStorage returns the durable store backend, nil when local storage
	// persistence is not supported.
	LocalStorage() session.DurableStore
	// OpenPopup shows authorizeURL to the user and blocks until the provider
	// redirects back, returning the full callback URL. It fails with
	// identity.ErrPopupBlocked when nothing can be shown and with
	// identity.ErrPopupClosed when the user gives up.
	OpenPopup(ctx context.Context, authorizeURL string) (callbackURL string, err error)
	// Navigate leaves the current page for location.
	Navigate(location string) error
}

package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

const loopbackPath = "/callback"

// Loopback receives the authorization response on a local http listener.
// It lets programs without a browser window act as the popup: the authorize
// url is handed to Open, the user signs in, and the provider redirects to
// RedirectURI.
type Loopback struct {
	// Open shows the authorize url to the user, e.g. by starting a browser.
	Open func(authorizeURL string) error

	e        *echo.Echo
	listener net.Listener

	mu      sync.Mutex
	waiting chan string
	cancel  chan struct{}
}

// NewLoopback listens on addr, "127.0.0.1:0" when empty.
func NewLoopback(addr string, open func(authorizeURL string) error) (*Loopback, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Loopback{
		Open:     open,
		e:        echo.New(),
		listener: listener,
	}
	l.e.HideBanner = true
	l.e.HidePort = true
	l.e.Listener = listener
	l.e.GET(loopbackPath, l.callback)
	go func() {
		_ = l.e.Start("")
	}()
	return l, nil
}

func (l *Loopback) RedirectURI() string {
	return "http://" + l.listener.Addr().String() + loopbackPath
}

func (l *Loopback) callback(c echo.Context) error {
	l.mu.Lock()
	waiting := l.waiting
	l.waiting = nil
	l.mu.Unlock()
	if waiting == nil {
		return c.String(http.StatusConflict, "no login in progress")
	}
	waiting <- l.RedirectURI() + "?" + c.Request().URL.RawQuery
	return c.String(http.StatusOK, "You can close this window.")
}

// OpenPopup blocks until the provider redirects back, Cancel is called or ctx
// ends. Only one login waits at a time.
func (l *Loopback) OpenPopup(ctx context.Context, authorizeURL string) (string, error) {
	waiting := make(chan string, 1)
	cancel := make(chan struct{})
	l.mu.Lock()
	if l.waiting != nil {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: a login is already in progress", ErrPopupBlocked)
	}
	l.waiting = waiting
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.waiting == waiting {
			l.waiting = nil
		}
		l.cancel = nil
		l.mu.Unlock()
	}()

	if l.Open == nil {
		return "", ErrPopupBlocked
	}
	if err := l.Open(authorizeURL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPopupBlocked, err)
	}
	select {
	case callbackURL := <-waiting:
		return callbackURL, nil
	case <-cancel:
		return "", ErrPopupClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel ends the pending login as if the user closed the popup.
func (l *Loopback) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		close(l.cancel)
		l.cancel = nil
	}
}

func (l *Loopback) Close() error {
	return l.e.Close()
}

package session

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// JarCookies stores the cookie slot in an http.CookieJar for one origin, so
// the cookie travels with every request the host's http.Client makes there.
type JarCookies struct {
	Jar    http.CookieJar
	Origin *url.URL
}

func (j *JarCookies) SetCookie(name string, value string, expires time.Time) error {
	j.Jar.SetCookies(j.Origin, []*http.Cookie{{
		Name:    name,
		Value:   value,
		Path:    "/",
		Expires: expires,
	}})
	return nil
}

func (j *JarCookies) GetCookie(name string) (string, error) {
	for _, c := range j.Jar.Cookies(j.Origin) {
		if c.Name == name {
			return c.Value, nil
		}
	}
	return "", ErrNotFound
}

func (j *JarCookies) DeleteCookie(name string) error {
	j.Jar.SetCookies(j.Origin, []*http.Cookie{{
		Name:   name,
		Path:   "/",
		MaxAge: -1,
	}})
	return nil
}

// EchoCookies reads the cookie slot from the current request and writes it
// to the response.
type EchoCookies struct {
	Context echo.Context
}

func (e *EchoCookies) SetCookie(name string, value string, expires time.Time) error {
	cookie := new(http.Cookie)
	cookie.Name = name
	cookie.Value = value
	cookie.Path = "/"
	cookie.Expires = expires
	cookie.HttpOnly = true
	e.Context.SetCookie(cookie)
	return nil
}

func (e *EchoCookies) GetCookie(name string) (string, error) {
	cookie, err := e.Context.Cookie(name)
	if err != nil {
		return "", ErrNotFound
	}
	return cookie.Value, nil
}

func (e *EchoCookies) DeleteCookie(name string) error {
	cookie := new(http.Cookie)
	cookie.Name = name
	cookie.Value = ""
	cookie.Path = "/"
	cookie.Expires = time.Unix(0, 0)
	cookie.HttpOnly = true
	e.Context.SetCookie(cookie)
	return nil
}

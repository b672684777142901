package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/bertrandmartel/othent/sdk/session"
	"gopkg.in/go-playground/validator.v9"
)

const (
	ClientName    = "Othent KMS"
	ClientVersion = "0.1.0"

	DefaultDispatchNode           = "https://turbo.ardrive.io"
	DefaultRefreshTokenExpiration = 15 * 24 * time.Hour
	DefaultPopupTimeout           = 60 * time.Second
)

type Strategy string

const (
	StrategyIframeCookies       Strategy = "iframe-cookies"
	StrategyRefreshLocalStorage Strategy = "refresh-localstorage"
	StrategyRefreshMemory       Strategy = "refresh-memory"
)

// UsesRefreshTokens reports whether the strategy relies on a refresh token
// instead of the provider session cookie.
func (s Strategy) UsesRefreshTokens() bool {
	return s != StrategyIframeCookies
}

type LoginMethod string

const (
	LoginMethodPopup    LoginMethod = "popup"
	LoginMethodRedirect LoginMethod = "redirect"
)

type AutoConnect string

const (
	AutoConnectEager AutoConnect = "eager"
	AutoConnectLazy  AutoConnect = "lazy"
	AutoConnectOff   AutoConnect = "off"
)

var (
	ErrIncompleteAppInfo = errors.New("incomplete appInfo: name, version and env are required")
	ErrIncompleteGateway = errors.New("incomplete gateway: host, port and protocol are required")
	ErrMissingRedirect   = errors.New("redirectUri and returnToUri are required")
	ErrEagerPopup        = errors.New(`cannot open the authentication popup before a user interaction, use autoConnect "lazy" or change loginMethod or strategy`)
)

type AppInfo struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
	Env     string `json:"env" validate:"required"`
}

type GatewayConfig struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"required"`
	Protocol string `json:"protocol" validate:"required,oneof=http https"`
}

type Tag struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

type Config struct {
	Domain                   string        `json:"domain" validate:"required"`
	ClientID                 string        `json:"clientId" validate:"required"`
	Strategy                 Strategy      `json:"strategy" validate:"oneof=iframe-cookies refresh-localstorage refresh-memory"`
	LoginMethod              LoginMethod   `json:"loginMethod" validate:"oneof=popup redirect"`
	RedirectURI              string        `json:"redirectUri"`
	ReturnToURI              string        `json:"returnToUri"`
	ServerBaseURL            string        `json:"serverBaseUrl" validate:"required,url"`
	PersistCookie            bool          `json:"persistCookie"`
	CookieKey                string        `json:"cookieKey"`
	PersistLocalStorage      bool          `json:"persistLocalStorage"`
	LocalStorageKey          string        `json:"localStorageKey"`
	RefreshTokenExpirationMs int64         `json:"refreshTokenExpirationMs" validate:"gte=0"`
	PopupTimeoutMs           int64         `json:"popupTimeoutMs" validate:"gte=0"`
	AutoConnect              AutoConnect   `json:"autoConnect" validate:"oneof=eager lazy off"`
	ThrowErrors              bool          `json:"throwErrors"`
	Tags                     []Tag         `json:"tags" validate:"dive"`
	AppInfo                  AppInfo       `json:"appInfo"`
	Gateway                  GatewayConfig `json:"gateway"`
	DispatchNode             string        `json:"dispatchNode" validate:"omitempty,url"`
	LogLevel                 string        `json:"logLevel"`
	PrettyLog                bool          `json:"prettyLog"`
}

// Default returns the configuration every loaded file is merged onto.
func Default() *Config {
	return &Config{
		Domain:                   "auth.othent.io",
		ClientID:                 "uXkRmJoIa0NfzYgYEDAgj6Rss4wR1tIc",
		Strategy:                 StrategyRefreshMemory,
		LoginMethod:              LoginMethodPopup,
		ServerBaseURL:            "https://kms-server.othent.io",
		RefreshTokenExpirationMs: DefaultRefreshTokenExpiration.Milliseconds(),
		PopupTimeoutMs:           DefaultPopupTimeout.Milliseconds(),
		AutoConnect:              AutoConnectOff,
		ThrowErrors:              true,
		Tags:                     []Tag{},
		AppInfo: AppInfo{
			Env: "production",
		},
		Gateway: GatewayConfig{
			Host:     "arweave.net",
			Port:     443,
			Protocol: "https",
		},
		DispatchNode: DefaultDispatchNode,
		LogLevel:     "info",
	}
}

func ParseConfig(path string) (config *Config, err error) {
	jsonFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer jsonFile.Close()
	byteValue, err := ioutil.ReadAll(jsonFile)
	if err != nil {
		return nil, err
	}
	ret := Default()
	if err := json.Unmarshal(byteValue, ret); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return ret, nil
}

// ResolvedCookieKey returns the cookie slot name, or "" when cookie
// persistence is off.
func (c *Config) ResolvedCookieKey() string {
	if c.CookieKey != "" {
		return c.CookieKey
	}
	if c.PersistCookie {
		return session.DefaultStorageKey
	}
	return ""
}

// ResolvedLocalStorageKey returns the durable slot name, or "" when local
// storage persistence is off.
func (c *Config) ResolvedLocalStorageKey() string {
	if c.LocalStorageKey != "" {
		return c.LocalStorageKey
	}
	if c.PersistLocalStorage {
		return session.DefaultStorageKey
	}
	return ""
}

func (c *Config) RefreshTokenExpiration() time.Duration {
	if c.RefreshTokenExpirationMs <= 0 {
		return DefaultRefreshTokenExpiration
	}
	return time.Duration(c.RefreshTokenExpirationMs) * time.Millisecond
}

func (c *Config) PopupTimeout() time.Duration {
	if c.PopupTimeoutMs <= 0 {
		return DefaultPopupTimeout
	}
	return time.Duration(c.PopupTimeoutMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if c.AppInfo.Name == "" || c.AppInfo.Version == "" || c.AppInfo.Env == "" {
		return ErrIncompleteAppInfo
	}
	if c.Gateway.Host == "" || c.Gateway.Port == 0 || c.Gateway.Protocol == "" {
		return ErrIncompleteGateway
	}
	if err := session.CheckStorageKey(c.ResolvedCookieKey()); err != nil {
		return fmt.Errorf("cookieKey: %w", err)
	}
	if err := session.CheckStorageKey(c.ResolvedLocalStorageKey()); err != nil {
		return fmt.Errorf("localStorageKey: %w", err)
	}
	if c.RedirectURI == "" || c.ReturnToURI == "" {
		return ErrMissingRedirect
	}
	if c.AutoConnect == AutoConnectEager && c.LoginMethod == LoginMethodPopup && c.Strategy == StrategyRefreshMemory {
		return ErrEagerPopup
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

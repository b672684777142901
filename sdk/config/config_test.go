package config

import (
	"errors"
	"testing"
	"time"

	"github.com/bertrandmartel/othent/sdk/session"
	"github.com/stretchr/testify/assert"
)

func TestConfig(t *testing.T) {
	data, err := ParseConfig("../../test/config_test.json")
	assert.Nil(t, err)
	assert.NotNil(t, data)
	assert.Equal(t, "gmzcodes-test.eu.auth0.com", data.Domain)
	assert.Equal(t, "RSEz2IKqExKJTMqJ1crVSqjBT12ZgsfW", data.ClientID)
	assert.Equal(t, StrategyRefreshLocalStorage, data.Strategy)
	assert.Equal(t, LoginMethodRedirect, data.LoginMethod)
	assert.Equal(t, "http://localhost:3010", data.ServerBaseURL)
	assert.Equal(t, AutoConnectLazy, data.AutoConnect)
	assert.False(t, data.ThrowErrors)
	assert.Equal(t, time.Hour, data.RefreshTokenExpiration())
	assert.Equal(t, 1, len(data.Tags))
	assert.Equal(t, "Environment", data.Tags[0].Name)
	assert.Equal(t, "test", data.Tags[0].Value)
	assert.Equal(t, "OthentTesting", data.AppInfo.Name)
	assert.Equal(t, "0.1", data.AppInfo.Version)
	assert.Equal(t, "debug", data.LogLevel)

	// fields missing from the file keep their default
	assert.Equal(t, "production", data.AppInfo.Env)
	assert.Equal(t, "arweave.net", data.Gateway.Host)
	assert.Equal(t, 443, data.Gateway.Port)
	assert.Equal(t, DefaultDispatchNode, data.DispatchNode)
	assert.Equal(t, DefaultPopupTimeout, data.PopupTimeout())

	assert.Equal(t, session.DefaultStorageKey, data.ResolvedCookieKey())
	assert.Equal(t, "othentSession", data.ResolvedLocalStorageKey())
	assert.Nil(t, data.Validate())
}

func TestFileNotFound(t *testing.T) {
	data, err := ParseConfig("../../test/config_test1.json")
	assert.Nil(t, data)
	assert.NotNil(t, err)
}

func validConfig() *Config {
	c := Default()
	c.AppInfo.Name = "app"
	c.AppInfo.Version = "1.0"
	c.RedirectURI = "http://localhost/callback"
	c.ReturnToURI = "http://localhost/"
	return c
}

func TestValidate(t *testing.T) {
	assert.Nil(t, validConfig().Validate())

	c := validConfig()
	c.AppInfo.Name = ""
	assert.Equal(t, ErrIncompleteAppInfo, c.Validate())

	c = validConfig()
	c.Gateway.Port = 0
	assert.Equal(t, ErrIncompleteGateway, c.Validate())

	c = validConfig()
	c.CookieKey = "userDetails"
	assert.True(t, errors.Is(c.Validate(), session.ErrInvalidStorageKey))

	c = validConfig()
	c.LocalStorageKey = "session"
	assert.True(t, errors.Is(c.Validate(), session.ErrInvalidStorageKey))

	c = validConfig()
	c.RedirectURI = ""
	assert.Equal(t, ErrMissingRedirect, c.Validate())

	c = validConfig()
	c.AutoConnect = AutoConnectEager
	assert.Equal(t, ErrEagerPopup, c.Validate())
	c.LoginMethod = LoginMethodRedirect
	assert.Nil(t, c.Validate())

	c = validConfig()
	c.Strategy = "refresh-tokens"
	assert.NotNil(t, c.Validate())

	c = validConfig()
	c.ServerBaseURL = "not a url"
	assert.NotNil(t, c.Validate())
}

func TestResolvedKeys(t *testing.T) {
	c := Default()
	assert.Equal(t, "", c.ResolvedCookieKey())
	assert.Equal(t, "", c.ResolvedLocalStorageKey())
	c.PersistLocalStorage = true
	assert.Equal(t, session.DefaultStorageKey, c.ResolvedLocalStorageKey())
	assert.True(t, c.Strategy.UsesRefreshTokens())
	assert.False(t, StrategyIframeCookies.UsesRefreshTokens())
}

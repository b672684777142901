package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/go-playground/validator.v9"

	"github.com/bertrandmartel/othent/sdk/binary"
	"github.com/bertrandmartel/othent/sdk/config"
	"github.com/bertrandmartel/othent/sdk/identity"
	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/bertrandmartel/othent/sdk/metrics"
	"github.com/bertrandmartel/othent/sdk/session"
	"github.com/bertrandmartel/othent/sdk/wallet"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", getEnv("OTHENT_CONFIG", "example/config.json"), "sdk configuration file")
	listen := flag.String("listen", getEnv("OTHENT_LISTEN", "127.0.0.1:6004"), "demo api address")
	redisAddr := flag.String("redis", getEnv("REDIS_ADDR", "localhost:6379"), "redis address")
	flag.Parse()

	cfg, err := config.ParseConfig(*configPath)
	if err != nil {
		log := logger.New(nil)
		log.Fatal().Err(err).Str("path", *configPath).Msg("cannot load config")
	}
	log := logger.New(&logger.Config{
		Level:       cfg.LogLevel,
		Service:     "othent-demo",
		Environment: cfg.AppInfo.Env,
		Version:     cfg.AppInfo.Version,
		Pretty:      cfg.PrettyLog,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       1,
	})
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("cookie jar")
	}
	host := &DemoHost{
		Config: cfg,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
		Storage: session.NewRedisStorage(redisClient, session.RedisOptions{
			Namespace:  "device:demo:",
			Expiration: cfg.RefreshTokenExpiration(),
			Logger:     &log,
		}),
		Log: log,
	}
	if cfg.PersistCookie {
		origin, err := url.Parse(cfg.ReturnToURI)
		if err != nil {
			log.Fatal().Err(err).Msg("returnToUri")
		}
		host.CookieSlot = &session.JarCookies{Jar: jar, Origin: origin}
	}

	loopback, err := identity.NewLoopback("", func(authorizeURL string) error {
		log.Info().Str("url", authorizeURL).Msg("open this url in a browser to log in")
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("loopback receiver")
	}
	defer loopback.Close()
	host.Popup = loopback
	if cfg.LoginMethod == config.LoginMethodPopup {
		cfg.RedirectURI = loopback.RedirectURI()
	}

	reg := prometheus.NewRegistry()
	w, err := wallet.New(wallet.Options{
		Config:  cfg,
		Host:    host,
		Logger:  &log,
		Metrics: metrics.New(reg),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("wallet")
	}
	defer w.Close()
	w.OnAuth(func(details *session.UserDetails) {
		if details == nil {
			log.Info().Msg("logged out")
			return
		}
		log.Info().Str("address", details.WalletAddress).Str("email", details.Email).Msg("logged in")
	})
	if err := w.Init(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("wallet init")
	}
	if stop, err := w.StartTabSyncing(); err != nil {
		log.Warn().Err(err).Msg("tab syncing")
	} else {
		defer stop()
	}

	e := echo.New()
	e.HideBanner = true
	UseCommonMiddleware(e, log)
	routes(e, w, reg)
	if err := e.Start(*listen); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("demo api stopped")
		os.Exit(1)
	}
}

func routes(e *echo.Echo, w *wallet.Wallet, reg *prometheus.Registry) {
	e.POST("/connect", func(c echo.Context) error {
		details, err := w.Connect(c.Request().Context(), nil)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, SendError("connect_failed", err.Error()))
		}
		if details == nil {
			return c.JSON(http.StatusUnauthorized, SendError("login_declined", "the login popup was closed"))
		}
		return c.JSON(http.StatusOK, details)
	})
	e.POST("/disconnect", func(c echo.Context) error {
		if err := w.Disconnect(c.Request().Context()); err != nil {
			return c.JSON(http.StatusInternalServerError, SendError("disconnect_failed", err.Error()))
		}
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/wallet", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"address":     w.GetActiveAddress(),
			"publicKey":   w.GetActivePublicKey(),
			"walletNames": w.GetWalletNames(),
			"gateway":     w.GetArweaveConfig(),
			"permissions": w.GetPermissions(),
			"user":        w.GetUserDetails(),
		})
	})
	e.POST("/sign-message", func(c echo.Context) error {
		request := new(MessageRequest)
		if err := bindAndValidate(c, request); err != nil {
			return err
		}
		signature, err := w.SignMessage(c.Request().Context(), []byte(request.Data), &wallet.SignMessageOptions{HashAlgorithm: request.HashAlgorithm})
		if err != nil {
			return c.JSON(http.StatusBadGateway, SendError("sign_failed", err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]string{"signature": binary.B64UrlEncode(signature)})
	})
	e.POST("/verify-message", func(c echo.Context) error {
		request := new(VerifyRequest)
		if err := bindAndValidate(c, request); err != nil {
			return err
		}
		signature, err := binary.B64UrlDecode(request.Signature)
		if err != nil {
			return c.JSON(http.StatusBadRequest, SendError("invalid_request", "signature is not base64url"))
		}
		valid, err := w.VerifyMessage(c.Request().Context(), []byte(request.Data), signature, request.PublicKey, &wallet.SignMessageOptions{HashAlgorithm: request.HashAlgorithm})
		if err != nil {
			return c.JSON(http.StatusBadRequest, SendError("verify_failed", err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]bool{"valid": valid})
	})
	e.POST("/encrypt", func(c echo.Context) error {
		request := new(MessageRequest)
		if err := bindAndValidate(c, request); err != nil {
			return err
		}
		ciphertext, err := w.Encrypt(c.Request().Context(), []byte(request.Data))
		if err != nil {
			return c.JSON(http.StatusBadGateway, SendError("encrypt_failed", err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]string{"ciphertext": binary.B64UrlEncode(ciphertext)})
	})
	e.POST("/decrypt", func(c echo.Context) error {
		request := new(MessageRequest)
		if err := bindAndValidate(c, request); err != nil {
			return err
		}
		ciphertext, err := binary.B64UrlDecode(request.Data)
		if err != nil {
			return c.JSON(http.StatusBadRequest, SendError("invalid_request", "data is not base64url"))
		}
		plaintext, err := w.Decrypt(c.Request().Context(), ciphertext)
		if err != nil {
			return c.JSON(http.StatusBadGateway, SendError("decrypt_failed", err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]string{"plaintext": string(plaintext)})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

type MessageRequest struct {
	Data          string               `json:"data" validate:"required"`
	HashAlgorithm binary.HashAlgorithm `json:"hashAlgorithm" validate:"omitempty,oneof=SHA-256 SHA-384 SHA-512"`
}

type VerifyRequest struct {
	MessageRequest
	Signature string `json:"signature" validate:"required"`
	PublicKey string `json:"publicKey"`
}

func bindAndValidate(c echo.Context, request interface{}) error {
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, SendError("invalid_request", "incorrect parameters"))
	}
	if err := c.Validate(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, SendError("invalid_request", err.Error()))
	}
	return nil
}

// DemoHost plays the browser for the wallet: a cookie jar, redis as local
// storage and a loopback receiver as popup.
type DemoHost struct {
	Config     *config.Config
	HTTPClient *http.Client
	CookieSlot session.CookieSlot
	Storage    *session.RedisStorage
	Popup      *identity.Loopback
	Log        zerolog.Logger
}

func (h *DemoHost) GetHTTPClient() *http.Client {
	return h.HTTPClient
}
func (h *DemoHost) GetConfig() *config.Config {
	return h.Config
}
func (h *DemoHost) Cookies() session.CookieSlot {
	return h.CookieSlot
}
func (h *DemoHost) LocalStorage() session.DurableStore {
	return h.Storage
}
func (h *DemoHost) OpenPopup(ctx context.Context, authorizeURL string) (string, error) {
	return h.Popup.OpenPopup(ctx, authorizeURL)
}
func (h *DemoHost) Navigate(location string) error {
	h.Log.Info().Str("location", location).Msg("navigate")
	return nil
}

type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func SendError(errorMessage string, errorDescription string) *ErrorResponse {
	return &ErrorResponse{
		Error:            errorMessage,
		ErrorDescription: errorDescription,
	}
}

//middleware for validation
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

func UseCommonMiddleware(e *echo.Echo, log zerolog.Logger) {
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mw.RequestLoggerWithConfig(mw.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v mw.RequestLoggerValues) error {
			log.Info().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("request")
			return nil
		},
	}))
	e.Use(mw.Recover())
}

package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/heliodesk/heliodesk/config"
	"github.com/heliodesk/heliodesk/internal/agent/core"
	"github.com/heliodesk/heliodesk/internal/agent/telemetry"
	"github.com/heliodesk/heliodesk/internal/runtime"
	"github.com/heliodesk/heliodesk/internal/store"
)

func authMiddleware(secret []byte) echo.MiddlewareFunc {
	return runtime.EchoAuthMiddleware(secret)
}

// Run wires the whole service and blocks serving HTTP on addr (or the
// configured address when addr is empty).
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Databases.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port),
			Password: cfg.Databases.Redis.Pass,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry, prometheus.DefaultRegisterer)
	agentLogger := log.New(log.Writer(), "[AGENT] ", log.LstdFlags)
	orch := core.NewOrchestrator(cfg, tele, agentLogger)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}
	auth, err := initAuth(ctx, st, secret)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(authMiddleware(secret))
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"user_id": c.Get("user_id").(string)})
	})

	resolver := &Resolver{Store: st, Rdb: rdb}
	ah := &AssistHandler{
		Orch:      orch,
		Resolver:  resolver,
		Turns:     st,
		Telemetry: tele,
		Logger:    log.New(log.Writer(), "[ASSIST] ", log.LstdFlags),
	}
	ah.Register(api.Group("/assist"), secret)

	ch := &CustomersHandler{Store: st, Resolver: resolver}
	ch.Register(api.Group("/customers"), secret)

	if cfg.Scheduler.Enabled {
		sched := &Scheduler{
			Store:   st,
			Rdb:     rdb,
			Invoker: core.NewInvoker(cfg.Tools, tele, nil),
			Cron:    cfg.Scheduler.Cron,
			LockTTL: cfg.Scheduler.LockTTL,
			Stop:    make(chan struct{}),
		}
		sched.Start()
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// CustomersHandler manages CRM account rows.
type CustomersHandler struct {
	Store    *store.Store
	Resolver *Resolver
}

func (h *CustomersHandler) Register(g *echo.Group, secret []byte) {
	g.POST("", h.create, authMiddleware(secret))
	g.GET("/:ref", h.get, authMiddleware(secret))
	g.GET("/:ref/health", h.health, authMiddleware(secret))
}

func (h *CustomersHandler) create(c echo.Context) error {
	var req CreateCustomerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	cust := store.Customer{
		Name:        req.Name,
		Plan:        req.Plan,
		Seats:       req.Seats,
		AnnualValue: req.AnnualValue,
	}
	if req.RenewalDate != "" {
		t, err := time.Parse("2006-01-02", req.RenewalDate)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "renewalDate must be YYYY-MM-DD")
		}
		cust.RenewalDate = &t
	}
	id, err := h.Store.CreateCustomer(c.Request().Context(), cust)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.Resolver.Invalidate(c.Request().Context(), req.Name)
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *CustomersHandler) get(c echo.Context) error {
	cust, err := h.Resolver.Resolve(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "customer not found")
	}
	return c.JSON(http.StatusOK, cust)
}

func (h *CustomersHandler) health(c echo.Context) error {
	cust, err := h.Resolver.Resolve(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "customer not found")
	}
	rec, err := h.Store.LatestHealthSnapshot(c.Request().Context(), cust.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no health snapshot yet")
	}
	return c.JSON(http.StatusOK, rec)
}

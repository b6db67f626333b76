package cttso_pieriandx_gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo"
	"github.com/labstack/echo/middleware"
	"github.com/rs/zerolog/log"
)

// PassRunner runs one reconciliation pass.
type PassRunner interface {
	Run(ctx context.Context, dryRun bool) (*BatchReport, error)
}

// OpsServer is the operational HTTP surface of serve mode.
type OpsServer struct {
	e      *echo.Echo
	ledger Ledger
	runner PassRunner
}

func NewOpsServer(ledger Ledger, runner PassRunner) *OpsServer {
	s := &OpsServer{e: echo.New(), ledger: ledger, runner: runner}
	s.e.HideBanner = true
	s.e.Use(middleware.Recover())

	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.e.GET("/metrics", echo.WrapHandler(MetricsHandler()))
	s.e.GET("/samples", s.getSamples)
	s.e.GET("/samples/retired", s.getRetired)
	s.e.POST("/reconcile", s.postReconcile)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.e
}

func (s *OpsServer) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("Starting ops server")
	if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

func (s *OpsServer) getSamples(c echo.Context) error {
	states, err := s.ledger.ReadAll(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if lifecycle := c.QueryParam("lifecycle"); lifecycle != "" {
		filtered := states[:0]
		for _, st := range states {
			if string(st.Lifecycle) == lifecycle {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	return c.JSON(http.StatusOK, states)
}

func (s *OpsServer) getRetired(c echo.Context) error {
	states, err := s.ledger.ReadRetired(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, states)
}

// postReconcile runs a pass inline. ?dryrun=true skips every write.
func (s *OpsServer) postReconcile(c echo.Context) error {
	dryRun := c.QueryParam("dryrun") == "true"
	report, err := s.runner.Run(c.Request().Context(), dryRun)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	status := http.StatusOK
	if report.ExitCode() != 0 {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, report)
}

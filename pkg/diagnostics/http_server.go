// Package diagnostics exposes a read-only HTTP view of a
// backendconn.ClientBehavior: liveness, pprof, and a per-cookie connection
// snapshot. Grounded on be_cluster/web_service's Gin + pprof + ginzap
// wiring, minus the cmux protocol demux: a client library never shares a
// listening port with an inbound protocol, so there is nothing to
// multiplex here (see DESIGN.md).
package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pzhenzhou/shardconn/pkg/common"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware stamps every request with a trace id, generating one
// when the caller didn't already supply one, so diagnostics requests can be
// correlated against the ginzap access log line.
func requestIDMiddleware(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	c.Writer.Header().Set(requestIDHeader, id)
	c.Next()
}

var logger = common.InitLogger().WithName("diagnostics")

// ConnectionSnapshotter is the read-only slice of backendconn.ClientBehavior
// this server needs. Declared as an interface so tests can supply a fake
// without constructing a real ClientBehavior.
type ConnectionSnapshotter interface {
	Snapshot() map[string]string
}

type Server struct {
	engine *gin.Engine
	server *http.Server
	addr   string
}

func NewServer(cfg common.DiagnosticsConfig, behavior ConnectionSnapshotter) *Server {
	r := gin.New()
	zapLogger := common.RawZapLogger()
	r.Use(requestIDMiddleware)
	r.Use(ginzap.RecoveryWithZap(zapLogger, true))
	r.Use(ginzap.GinzapWithConfig(zapLogger, &ginzap.Config{
		UTC:        true,
		TimeFormat: time.RFC3339,
		Skipper: func(c *gin.Context) bool {
			if strings.HasPrefix(c.Request.URL.Path, "/debug") {
				return true
			}
			return c.Request.URL.Path == "/healthz" && c.Request.Method == http.MethodGet
		},
	}))
	if cfg.EnablePprof {
		pprof.Register(r)
	}
	if common.IsProdRuntime() {
		gin.SetMode(gin.ReleaseMode)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, behavior.Snapshot())
	})
	return &Server{engine: r, addr: cfg.Addr}
}

func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.engine}
	logger.Info("diagnostics server starting", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error(err, "diagnostics server failed")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Error(err, "failed to shut down diagnostics server")
	} else {
		logger.Info("diagnostics server stopped")
	}
}

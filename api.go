package burrow

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// requestLogger logs every ops request at debug level.
func requestLogger(entry *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Microsecond),
		}).Debug("api request")
	}
}

func (svr *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Data: svr.Info()})
}

func (svr *Server) handleListSessions(c *gin.Context) {
	ss := svr.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(ss))
	for _, sess := range ss {
		infos = append(infos, sess.Info())
	}
	c.JSON(http.StatusOK, apiResponse{Data: infos})
}

func (svr *Server) lookupSession(c *gin.Context) (*Session, bool) {
	sess, ok := svr.registry.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, apiResponse{Code: http.StatusNotFound, Reason: "session not found"})
	}
	return sess, ok
}

func (svr *Server) handleGetSession(c *gin.Context) {
	if sess, ok := svr.lookupSession(c); ok {
		c.JSON(http.StatusOK, apiResponse{Data: sess.Info()})
	}
}

func (svr *Server) handleCloseSession(c *gin.Context) {
	if sess, ok := svr.lookupSession(c); ok {
		_ = sess.Close()
		c.JSON(http.StatusOK, apiResponse{})
	}
}

func (svr *Server) handleReady(c *gin.Context) {
	if svr.Addr() == nil {
		c.String(http.StatusServiceUnavailable, "not listening\n")
		return
	}
	c.String(http.StatusOK, "ok\n")
}

// Handler serves the ops API: node info, sessions, metrics and health checks.
func (svr *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(svr.log.WithField("component", "api")))
	api := r.Group("/api/v1")
	{
		api.GET("/info", svr.handleNodeInfo)
		api.GET("/sessions", svr.handleListSessions)
		api.GET("/sessions/:id", svr.handleGetSession)
		api.DELETE("/sessions/:id", svr.handleCloseSession)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/readyz", svr.handleReady)
	return r
}

// ServeAPI runs the ops API on addr until ctx is done.
func (svr *Server) ServeAPI(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Handler:           svr.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	})
	defer stop()
	svr.log.Infof("ops api listening on %s", l.Addr())
	if err = hs.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

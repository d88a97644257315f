// Package status serves read-only JSON views of sessions, token usage,
// journal backlog and deliveries for operators.
package status

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/delivery"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/journal"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/session"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/tokens"
	"gorm.io/gorm"
)

// Deps are the stores the status server reads from.
type Deps struct {
	DB         *gorm.DB
	Sessions   *session.Store
	Ledger     *tokens.Ledger
	Journal    *journal.Journal
	Deliveries *delivery.Tracker
	PodName    string
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Deps Deps
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine with every status route registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, deps)
	return router
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Deps.DB == nil {
		return fmt.Errorf("status: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Deps),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status server running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

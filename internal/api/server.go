// Package api exposes the chat surface over HTTP and websockets: user
// provisioning, the chat log, inbound message dispatch, and the live push
// channel.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/developer"
	"github.com/thongdx/aid/internal/store"
)

// Server is the HTTP front of the virtual developer.
type Server struct {
	echo     *echo.Echo
	port     int
	store    store.Store
	registry *developer.Registry
	sinks    *SinkRegistry
	tokens   *TokenService
}

// NewServer wires the HTTP server with its routes and middleware.
func NewServer(port int, st store.Store, registry *developer.Registry, sinks *SinkRegistry, tokens *TokenService) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:     e,
		port:     port,
		store:    st,
		registry: registry,
		sinks:    sinks,
		tokens:   tokens,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	v1 := s.echo.Group("/api/v1")

	v1.POST("/users", s.createUser)

	authed := v1.Group("", s.tokens.RequireUser)
	authed.GET("/chats", s.getChats)
	authed.POST("/chats", s.postChat)
	authed.GET("/ws", s.openSink)
}

// Start runs the server until interrupted, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

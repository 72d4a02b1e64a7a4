// Package server is the local HTTP bridge between the engine and the desktop
// frontend: a JSON API for control, plus SSE and websocket relays for the
// engine's notification stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/y1y2u3u4/cloudwork-sub000/internal/async"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/config"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/conversation"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/logging"
	"github.com/y1y2u3u4/cloudwork-sub000/internal/orchestrator"
)

const subscriberBuffer = 64

// Server hosts the bridge.
type Server struct {
	engine     *orchestrator.Engine
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     logging.Logger
	startTime  time.Time

	mu          sync.Mutex
	subscribers map[int]chan conversation.Notification
	nextSub     int
	cancel      context.CancelFunc
}

// New builds the bridge around an engine.
func New(engine *orchestrator.Engine, cfg config.BridgeConfig, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		engine: engine,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(cfg.AllowedOrigins) == 0 {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
		logger:      logging.OrNop(logger),
		startTime:   time.Now(),
		subscribers: make(map[int]chan conversation.Notification),
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions", s.handleCreateSession)
	api.POST("/sessions/:id/switch", s.handleSwitchSession)
	api.GET("/sessions/:id/tasks", s.handleListTasks)
	api.GET("/tasks/:id/messages", s.handleListMessages)
	api.POST("/tasks/:id/favorite", s.handleFavorite)
	api.POST("/tasks/:id/switch", s.handleSwitchTask)

	agent := s.router.Group("/agent")
	agent.POST("/plan", s.handlePlan)
	agent.POST("/approve", s.handleApprove)
	agent.POST("/reject", s.handleReject)
	agent.POST("/run", s.handleRun)
	agent.POST("/stop/:taskID", s.handleStop)
	agent.POST("/permission", s.handlePermission)
	agent.GET("/events", s.handleEvents)

	s.router.GET("/ws", s.handleWebSocket)
}

// Start begins serving and relaying notifications. Non-blocking.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	async.Go(s.logger, "notification-fanout", func() {
		s.fanout(ctx)
	})
	async.Go(s.logger, "bridge-http", func() {
		s.logger.Info("Bridge listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Bridge server error: %v", err)
		}
	})
	return nil
}

// Stop shuts the bridge down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// fanout copies engine notifications to every subscriber. A slow subscriber
// loses notifications rather than slowing the rest.
func (s *Server) fanout(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.engine.Notifications():
			s.mu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- n:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) subscribe() (int, <-chan conversation.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan conversation.Notification, subscriberBuffer)
	s.subscribers[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

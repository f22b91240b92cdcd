package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gridbot/internal/logger"
	"gridbot/internal/models"
	"gridbot/internal/supervisor"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Grids: команды управления сетками, которые обслуживает API.
type Grids interface {
	Start(ctx context.Context, userID string, cfg models.GridConfig) (string, error)
	Pause(ctx context.Context, gridID string) error
	Resume(ctx context.Context, gridID string) error
	Stop(ctx context.Context, gridID string) error
	Status(ctx context.Context, gridID string) (supervisor.Status, error)
	List(ctx context.Context, userID string) ([]supervisor.Status, error)
	Owner(gridID string) (string, error)
}

type Config struct {
	Listen         string
	JWTSecret      string
	AllowedOrigins []string
}

type Server struct {
	grids  Grids
	cfg    Config
	log    *logger.Logger
	router *mux.Router
}

func NewServer(grids Grids, cfg Config, log *logger.Logger) *Server {
	s := &Server{
		grids:  grids,
		cfg:    cfg,
		log:    log,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/grids", s.handleStartGrid).Methods("POST")
	api.HandleFunc("/grids", s.handleListGrids).Methods("GET")
	api.HandleFunc("/grids/{id}", s.handleGetGrid).Methods("GET")
	api.HandleFunc("/grids/{id}/pause", s.handlePauseGrid).Methods("POST")
	api.HandleFunc("/grids/{id}/resume", s.handleResumeGrid).Methods("POST")
	api.HandleFunc("/grids/{id}", s.handleStopGrid).Methods("DELETE")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run обслуживает API до отмены ctx.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logEntry().WithField("addr", s.cfg.Listen).Info("API запущен.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("api")
}

package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/romangrechin/rss-aggregator/aggregator"
	"github.com/romangrechin/rss-aggregator/db"
)

// Engine is the ingestion side the API drives.
type Engine interface {
	Subscribe(ctx context.Context, rawURL, title string, description *string) (*db.Feed, bool, error)
	Unsubscribe(ctx context.Context, id uuid.UUID) error
	Refresh(ctx context.Context, id uuid.UUID) (*aggregator.Outcome, error)
	Health(ctx context.Context) ([]aggregator.FeedHealth, error)
	FeedHealth(ctx context.Context, id uuid.UUID) (*aggregator.FeedHealth, error)
}

// Store is the read side of the persistence gateway.
type Store interface {
	Ping(ctx context.Context) error
	ListFeeds(ctx context.Context, activeOnly bool) ([]*db.Feed, error)
	ListArticles(ctx context.Context, q db.ArticleQuery) ([]*db.Article, error)
	GetArticle(ctx context.Context, id uuid.UUID) (*db.Article, error)
	MarkArticleRead(ctx context.Context, id uuid.UUID, read bool) error
}

type httpServer struct {
	srv            *http.Server
	router         *mux.Router
	engine         Engine
	store          Store
	requestTimeout time.Duration
	log            *slog.Logger
	wg             sync.WaitGroup
}

// Serve binds the listener synchronously and serves in the background.
func (hs *httpServer) Serve() error {
	ln, err := net.Listen("tcp", hs.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", hs.srv.Addr, err)
	}

	hs.wg.Add(1)
	go func() {
		defer hs.wg.Done()
		if err := hs.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.log.Error("HTTP server failed", "error", err)
		}
	}()

	hs.log.Info("HTTP server started", "address", ln.Addr().String())
	return nil
}

func (hs *httpServer) Close(ctx context.Context) error {
	err := hs.srv.Shutdown(ctx)
	hs.wg.Wait()
	return err
}

func NewServer(address string, engine Engine, store Store, requestTimeout time.Duration, log *slog.Logger) (*httpServer, error) {
	if address == "" {
		return nil, errors.New("address can not be empty")
	}

	if requestTimeout < time.Second {
		requestTimeout = time.Second
	}

	server := &httpServer{
		engine:         engine,
		store:          store,
		requestTimeout: requestTimeout,
		log:            log,
	}

	r := mux.NewRouter()
	r.Use(server.logRequests)
	r.HandleFunc("/health", server.healthHandler).Methods(http.MethodGet)

	feeds := r.PathPrefix("/feeds").Subrouter()
	feeds.HandleFunc("", server.listFeedsHandler).Methods(http.MethodGet)
	feeds.HandleFunc("", server.addFeedHandler).Methods(http.MethodPost)
	feeds.HandleFunc("/{id}", server.getFeedHandler).Methods(http.MethodGet)
	feeds.HandleFunc("/{id}", server.removeFeedHandler).Methods(http.MethodDelete)
	feeds.HandleFunc("/{id}/refresh", server.refreshFeedHandler).Methods(http.MethodPost)

	articles := r.PathPrefix("/articles").Subrouter()
	articles.HandleFunc("", server.listArticlesHandler).Methods(http.MethodGet)
	articles.HandleFunc("/{id}", server.getArticleHandler).Methods(http.MethodGet)
	articles.HandleFunc("/{id}/read", server.markReadHandler(true)).Methods(http.MethodPost)
	articles.HandleFunc("/{id}/unread", server.markReadHandler(false)).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJsonResponse(w, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJsonResponse(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	server.router = r
	server.srv = &http.Server{
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (hs *httpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		hs.log.DebugContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

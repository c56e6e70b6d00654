package web

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/romangrechin/rss-aggregator/aggregator"
	"github.com/romangrechin/rss-aggregator/db"
)

var ErrOK = errors.New("OK")

type jsonResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type addFeedRequest struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Database string                  `json:"database"`
	Counts   map[string]int          `json:"counts"`
	Feeds    []aggregator.FeedHealth `json:"feeds"`
}

func writeJsonResponse(w http.ResponseWriter, code int, err error) {
	if err == nil {
		err = ErrOK
	}

	resp := &jsonResponse{
		Code:    code,
		Message: err.Error(),
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine and storage errors onto status codes.
func (hs *httpServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeJsonResponse(w, http.StatusNotFound, err)
	case errors.Is(err, db.ErrInvalidInput), errors.Is(err, aggregator.ErrInvalidFeed):
		writeJsonResponse(w, http.StatusBadRequest, err)
	case errors.Is(err, aggregator.ErrCycleInFlight), errors.Is(err, aggregator.ErrFeedInactive):
		writeJsonResponse(w, http.StatusConflict, err)
	case errors.Is(err, aggregator.ErrNotRunning):
		writeJsonResponse(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeJsonResponse(w, http.StatusGatewayTimeout, err)
	default:
		hs.log.ErrorContext(r.Context(), "Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path)
		writeJsonResponse(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, errors.New("invalid id")
	}
	return id, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (hs *httpServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := &healthResponse{
		Status:   "ok",
		Database: "ok",
		Counts:   map[string]int{},
	}
	code := http.StatusOK

	if err := hs.store.Ping(r.Context()); err != nil {
		hs.log.WarnContext(r.Context(), "Database ping failed", "error", err)
		resp.Status = "unavailable"
		resp.Database = err.Error()
		code = http.StatusServiceUnavailable
		writeJSON(w, code, resp)
		return
	}

	feeds, err := hs.engine.Health(r.Context())
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	resp.Feeds = feeds
	for _, f := range feeds {
		resp.Counts[string(f.Status)]++
		if f.Status == aggregator.HealthFailing || f.Status == aggregator.HealthDegraded {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, code, resp)
}

func (hs *httpServer) addFeedHandler(w http.ResponseWriter, r *http.Request) {
	req := &addFeedRequest{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeJsonResponse(w, http.StatusBadRequest, errors.New("malformed json body"))
			return
		}
	} else {
		req.URL = r.FormValue("url")
		req.Title = r.FormValue("title")
		if d := strings.TrimSpace(r.FormValue("description")); d != "" {
			req.Description = &d
		}
	}

	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeJsonResponse(w, http.StatusBadRequest, errors.New("url can not be empty"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hs.requestTimeout)
	defer cancel()

	feed, created, err := hs.engine.Subscribe(ctx, req.URL, req.Title, req.Description)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, feed)
}

func (hs *httpServer) listFeedsHandler(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, errors.New("active_only must be a boolean"))
		return
	}

	feeds, err := hs.store.ListFeeds(r.Context(), activeOnly)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	if feeds == nil {
		feeds = []*db.Feed{}
	}
	writeJSON(w, http.StatusOK, feeds)
}

func (hs *httpServer) getFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}

	h, err := hs.engine.FeedHealth(r.Context(), id)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (hs *httpServer) removeFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}

	if err = hs.engine.Unsubscribe(r.Context(), id); err != nil {
		hs.writeError(w, r, err)
		return
	}
	writeJsonResponse(w, http.StatusOK, nil)
}

func (hs *httpServer) refreshFeedHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), hs.requestTimeout)
	defer cancel()

	outcome, err := hs.engine.Refresh(ctx, id)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (hs *httpServer) listArticlesHandler(w http.ResponseWriter, r *http.Request) {
	q := db.ArticleQuery{}

	if v := strings.TrimSpace(r.FormValue("feed_id")); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeJsonResponse(w, http.StatusBadRequest, errors.New("invalid feed_id"))
			return
		}
		q.FeedID = &id
	}

	var err error
	if q.UnreadOnly, err = queryBool(r, "unread_only"); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, errors.New("unread_only must be a boolean"))
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}

	articles, err := hs.store.ListArticles(r.Context(), q)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	if articles == nil {
		articles = []*db.Article{}
	}
	writeJSON(w, http.StatusOK, articles)
}

func (hs *httpServer) getArticleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJsonResponse(w, http.StatusBadRequest, err)
		return
	}

	article, err := hs.store.GetArticle(r.Context(), id)
	if err != nil {
		hs.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, article)
}

func (hs *httpServer) markReadHandler(read bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeJsonResponse(w, http.StatusBadRequest, err)
			return
		}

		if err = hs.store.MarkArticleRead(r.Context(), id, read); err != nil {
			hs.writeError(w, r, err)
			return
		}
		writeJsonResponse(w, http.StatusOK, nil)
	}
}

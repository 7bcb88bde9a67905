package routes

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/middlewares"
	"chatrelay/chatrelay/sources/psql/dao"
	"chatrelay/chatrelay/utils/types"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const restTimeout = 60 * time.Second

func handleJSON(handler func(r *http.Request) (any, int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, status, err := handler(r)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(res)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dao.ErrInvalidConversation), errors.Is(err, controllers.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, controllers.ErrConversationEmpty):
		return http.StatusNotFound
	case errors.Is(err, controllers.ErrArchiveDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ndjsonSink writes one JSON event per line and flushes after each.
type ndjsonSink struct {
	enc     *json.Encoder
	flusher http.Flusher
}

func (s *ndjsonSink) Emit(ctx context.Context, ev types.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.enc.Encode(ev); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func ChatRoutes(ctrl *controllers.ChatController, cfg config.Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares.AuthMiddleware(cfg))

	// POST /chat/stream : send a message and stream the reply as NDJSON
	r.Post("/stream", func(w http.ResponseWriter, r *http.Request) {
		var req types.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.ConversationID) == "" {
			http.Error(w, dao.ErrInvalidConversation.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			http.Error(w, controllers.ErrEmptyMessage.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		ctrl.SendMessage(r.Context(), req, &ndjsonSink{enc: json.NewEncoder(w), flusher: flusher})
	})

	r.Group(func(gr chi.Router) {
		gr.Use(middleware.Timeout(restTimeout))

		gr.Get("/conversations", handleJSON(func(r *http.Request) (any, int, error) {
			limit := 0
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return nil, http.StatusBadRequest, errors.New("limit must be a non-negative integer")
				}
				limit = n
			}
			summaries, err := ctrl.ListConversations(r.Context(), limit)
			if err != nil {
				return nil, statusFor(err), err
			}
			return summaries, http.StatusOK, nil
		}))

		gr.Get("/conversations/{id}/messages", handleJSON(func(r *http.Request) (any, int, error) {
			history, err := ctrl.GetHistory(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				return nil, statusFor(err), err
			}
			return history, http.StatusOK, nil
		}))

		gr.Delete("/conversations/{id}", handleJSON(func(r *http.Request) (any, int, error) {
			if err := ctrl.ClearConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
				return nil, statusFor(err), err
			}
			return nil, http.StatusNoContent, nil
		}))

		gr.Post("/conversations/{id}/archive", handleJSON(func(r *http.Request) (any, int, error) {
			key, err := ctrl.ArchiveConversation(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				return nil, statusFor(err), err
			}
			return types.ArchiveResponse{Key: key}, http.StatusCreated, nil
		}))

		// GET /chat/transcripts/<object key>
		gr.Get("/transcripts/*", handleJSON(func(r *http.Request) (any, int, error) {
			key := chi.URLParam(r, "*")
			if key == "" {
				return nil, http.StatusBadRequest, errors.New("transcript key is required")
			}
			transcript, err := ctrl.GetTranscript(r.Context(), key)
			if err != nil {
				return nil, statusFor(err), err
			}
			return transcript, http.StatusOK, nil
		}))
	})
	return r
}

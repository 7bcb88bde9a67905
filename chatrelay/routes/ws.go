package routes

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/utils/logging"
	"net/http"
	"net/url"
	"slices"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// acceptOptions mirrors the CORS allow-list for websocket origin checks.
func acceptOptions(cfg config.Config) *websocket.AcceptOptions {
	if len(cfg.CORSOrigins) == 0 || slices.Contains(cfg.CORSOrigins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(cfg.CORSOrigins))
	for _, origin := range cfg.CORSOrigins {
		// coder/websocket matches on host, not on the full origin URL
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func SocketHandler(ctrl *controllers.SocketController, cfg config.Config) http.HandlerFunc {
	opts := acceptOptions(cfg)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			logging.ErrorLogger.Error("websocket accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		ctrl.Serve(r.Context(), conn)
	}
}

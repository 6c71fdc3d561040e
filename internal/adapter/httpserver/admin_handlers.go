package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/codeclash/exec-engine/internal/adapter/queue/redisstream"
)

// DLQ listing bounds.
const (
	dlqDefaultLimit = 50
	dlqMaxLimit     = 200
)

// DLQReader lists dead-lettered jobs for inspection.
type DLQReader interface {
	ReadDeadLetters(ctx context.Context, limit int) ([]redisstream.DeadLetter, error)
}

// AdminConfig guards the admin surface with a shared secret and an optional
// IP allow-list.
type AdminConfig struct {
	Token    string
	AllowIPs []string
}

func (c AdminConfig) ipAllowed(ip string) bool {
	if len(c.AllowIPs) == 0 {
		return true
	}
	for _, allowed := range c.AllowIPs {
		if strings.TrimSpace(allowed) == ip {
			return true
		}
	}
	return false
}

type dlqResponse struct {
	Count   int                      `json:"count"`
	Entries []redisstream.DeadLetter `json:"entries"`
}

// DLQHandler lists up to limit dead-letter entries, newest first.
func DLQHandler(reader DLQReader, cfg AdminConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Token == "" {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(cfg.Token)) != 1 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !cfg.ipAllowed(clientIP(r)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		limit := dlqDefaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		if limit > dlqMaxLimit {
			limit = dlqMaxLimit
		}

		entries, err := reader.ReadDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []redisstream.DeadLetter{}
		}
		writeJSON(w, http.StatusOK, dlqResponse{Count: len(entries), Entries: entries})
	}
}

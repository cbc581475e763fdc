package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// queueStats is the per-status row count of one delivery table, plus
// the age of its oldest unfinished event.
type queueStats struct {
	Pending     int64      `json:"pending"`
	Processing  int64      `json:"processing"`
	Published   int64      `json:"published"`
	OnError     int64      `json:"onError"`
	OldestStuck *time.Time `json:"oldestStuck,omitempty"`
}

// OutboxStats reports outbox_events counts by status.
func (s *Server) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tableStats(r.Context(), "outbox_events")
	if err != nil {
		log.Error().Err(err).Msg("failed to load outbox stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// InboxStats reports inbox_events counts by status.
func (s *Server) InboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tableStats(r.Context(), "inbox_events")
	if err != nil {
		log.Error().Err(err).Msg("failed to load inbox stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) tableStats(ctx context.Context, table string) (*queueStats, error) {
	// table is one of two compile-time constants, never user input.
	var stats queueStats
	err := s.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
			COUNT(*) FILTER (WHERE status = 'ONERROR'),
			MIN(created_on) FILTER (WHERE status IN ('PENDING', 'ONERROR'))
		FROM `+table,
	).Scan(&stats.Pending, &stats.Processing, &stats.Published, &stats.OnError, &stats.OldestStuck)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

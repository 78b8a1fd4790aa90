package runtime

import (
	"context"
	"log/slog"
	"time"
)

// TimeoutScanner periodically finds sessions whose input timeout elapsed and
// hands them to the manager.
type TimeoutScanner struct {
	l        *slog.Logger
	store    SessionStore
	manager  *Manager
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewTimeoutScanner(l *slog.Logger, store SessionStore, manager *Manager, interval time.Duration, batch int) *TimeoutScanner {
	if batch <= 0 {
		batch = 100
	}
	return &TimeoutScanner{
		l:        l,
		store:    store,
		manager:  manager,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Start runs the scanner until ctx is done.
func (s *TimeoutScanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.l.Info("Timeout scanner started", "interval", s.interval)

		for {
			select {
			case <-ticker.C:
				if _, err := s.ScanOnce(ctx); err != nil {
					s.l.Error("Timeout scan failed", "error", err)
				}
			case <-ctx.Done():
				s.l.Info("Timeout scanner shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ScanOnce handles one batch of expired sessions and returns how many it
// processed. A failure on one session does not stop the others.
func (s *TimeoutScanner) ScanOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredSessions(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	s.l.InfoContext(ctx, "Timeout scanner found expired sessions", "count", len(expired))

	handled := 0
	for _, session := range expired {
		if err := s.manager.HandleSessionTimeout(ctx, session); err != nil {
			s.l.ErrorContext(ctx, "Timeout handling failed",
				"session_id", session.ID,
				"chat_id", session.ChatID,
				"error", err)
			continue
		}
		handled++
	}
	return handled, nil
}

package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/printlapse/printlapse/internal/logging"
	"github.com/printlapse/printlapse/internal/markers"
	"github.com/printlapse/printlapse/internal/services"
)

// Reconcile moves fallback frames back to the primary tier. Frames transfer
// one at a time with a short pause between copies so a Pi-class host and
// its share are not overwhelmed; each local frame is deleted only after its
// copy verified. The first failed transfer stops the whole pass, leaving
// the remainder for the next one. Returns the number of frames moved.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	sessions, err := s.FallbackSessions()
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	total := 0
	for _, session := range sessions {
		moved, err := s.reconcileSession(ctx, session)
		total += moved
		if err != nil {
			return total, err
		}
	}

	if total > 0 {
		s.logger.Info("fallback reconciliation complete", logging.Int("frames", total))
	}

	// Drop the fallback root once nothing is parked there.
	if entries, err := os.ReadDir(s.fallbackRoot); err == nil && len(entries) == 0 {
		_ = os.Remove(s.fallbackRoot)
	}
	return total, nil
}

func (s *Store) reconcileSession(ctx context.Context, session string) (int, error) {
	localDir := s.SessionDir(TierFallback, session)
	frames, err := FrameFiles(s.FramesDir(TierFallback, session))
	if err != nil {
		return 0, err
	}
	hasMarker := markers.Has(localDir, markers.Ready)

	if len(frames) == 0 {
		if !hasMarker {
			// Leftover empty session.
			_ = os.RemoveAll(localDir)
			return 0, nil
		}
		// Frames moved on an earlier pass but the marker did not; retry it.
		if err := s.promoteReadyMarker(session); err != nil {
			s.warnMarkerPending(session, err)
			return 0, nil
		}
		_ = os.RemoveAll(localDir)
		return 0, nil
	}

	s.logger.Info("transferring fallback frames to primary",
		logging.String(logging.FieldSession, session),
		logging.Int("frames", len(frames)))

	moved := 0
	for _, frame := range frames {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}

		dst := filepath.Join(s.FramesDir(TierPrimary, session), filepath.Base(frame))
		copyCtx, cancel := context.WithTimeout(ctx, s.copyTimeout)
		err := s.copyBounded(copyCtx, frame, dst)
		cancel()
		if err != nil {
			s.SetPrimaryHealthy(false)
			logging.WarnWithContext(s.logger, "reconciliation stalled, will retry later", "storage_reconcile_stalled",
				logging.String(logging.FieldSession, session),
				logging.Int("transferred", moved),
				logging.Error(err),
				logging.String(logging.FieldImpact, "remaining frames stay on local disk"),
				logging.String(logging.FieldErrorHint, "check the network mount"))
			return moved, err
		}
		if err := os.Remove(frame); err != nil {
			return moved, services.Wrap(nil, "store", "reconcile", "remove local frame after transfer", err)
		}
		moved++

		if s.reconcilePause > 0 {
			select {
			case <-time.After(s.reconcilePause):
			case <-ctx.Done():
				return moved, ctx.Err()
			}
		}
	}

	if hasMarker {
		if err := s.promoteReadyMarker(session); err != nil {
			// Keep the local session directory so the marker survives for
			// the next pass; only the frames are gone.
			s.warnMarkerPending(session, err)
			return moved, nil
		}
	}

	_ = os.RemoveAll(localDir)
	s.logger.Info("fallback session reconciled",
		logging.String(logging.FieldSession, session),
		logging.Int("frames", moved))
	return moved, nil
}

func (s *Store) promoteReadyMarker(session string) error {
	dir := s.SessionDir(TierPrimary, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return markers.Write(dir, markers.Ready)
}

func (s *Store) warnMarkerPending(session string, err error) {
	logging.WarnWithContext(s.logger, "could not recreate ready marker on primary", "storage_marker_pending",
		logging.String(logging.FieldSession, session),
		logging.String(logging.FieldMarker, markers.Ready),
		logging.Error(err),
		logging.String(logging.FieldImpact, "session will not encode until the marker transfers"),
		logging.String(logging.FieldErrorHint, "check permissions on the primary session directory"))
}

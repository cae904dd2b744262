package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const sweepConcurrency = 4

// SweepResult counts what one sweep did
type SweepResult struct {
	Warned    int
	Finalized int
}

// TimeoutSweeper warns idle conversations and later closes them
type TimeoutSweeper struct {
	store         storage.Store
	sender        services.ReplySender
	locker        *services.SessionLocker
	interval      time.Duration
	warningAfter  time.Duration
	finalizeAfter time.Duration
	lockTimeout   time.Duration
	now           func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewTimeoutSweeper creates a sweeper. The locker must be the one the conversation
// service uses so a sweep never races an inbound message.
func NewTimeoutSweeper(store storage.Store, sender services.ReplySender, locker *services.SessionLocker, interval, warningAfter, finalizeAfter time.Duration) *TimeoutSweeper {
	return &TimeoutSweeper{
		store:         store,
		sender:        sender,
		locker:        locker,
		interval:      interval,
		warningAfter:  warningAfter,
		finalizeAfter: finalizeAfter,
		lockTimeout:   2 * time.Second,
		now:           time.Now,
	}
}

// Start runs a sweep every interval until Stop is called or ctx ends
func (s *TimeoutSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		slog.Warn("Timeout sweeper already running")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	slog.Info("Starting timeout sweeper", "interval", s.interval, "warning_after", s.warningAfter, "finalize_after", s.finalizeAfter)

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res, err := s.SweepOnce(ctx, s.now())
				if err != nil {
					slog.Error("Timeout sweep failed", "error", err)
					continue
				}
				if res.Warned > 0 || res.Finalized > 0 {
					slog.Info("Timeout sweep done", "warned", res.Warned, "finalized", res.Finalized)
				}
			}
		}
	}(s.stopped)
}

// Stop halts the sweeper and waits for an in-progress sweep to finish
func (s *TimeoutSweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	slog.Info("Stopping timeout sweeper")
	cancel()
	<-done
}

// SweepOnce finalizes sessions idle past finalizeAfter, then warns those past warningAfter.
// Each session is re-checked under its lock, so a message that arrived since the listing
// wins.
func (s *TimeoutSweeper) SweepOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	finalCutoff := now.Add(-s.finalizeAfter)
	warnCutoff := now.Add(-s.warningAfter)

	toFinalize, err := s.store.ListSessionsToFinalize(ctx, finalCutoff)
	if err != nil {
		return SweepResult{}, err
	}
	toWarn, err := s.store.ListSessionsToWarn(ctx, warnCutoff, finalCutoff)
	if err != nil {
		return SweepResult{}, err
	}

	tenants := newTenantLookup(s.store)
	var (
		mu  sync.Mutex
		res SweepResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, session := range toFinalize {
		g.Go(func() error {
			if s.process(gctx, tenants, session, now, true) {
				mu.Lock()
				res.Finalized++
				mu.Unlock()
			}
			return nil
		})
	}
	for _, session := range toWarn {
		g.Go(func() error {
			if s.process(gctx, tenants, session, now, false) {
				mu.Lock()
				res.Warned++
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return res, err
}

// process warns or finalizes one session and reports whether it did
func (s *TimeoutSweeper) process(ctx context.Context, tenants *tenantLookup, listed *models.ConversationSession, now time.Time, finalize bool) bool {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, listed.TenantID, listed.Phone)
	cancel()
	if err != nil {
		slog.Debug("Session busy, skipping until next sweep", "tenant_id", listed.TenantID, "phone", listed.Phone)
		return false
	}

	session, err := s.store.GetSession(ctx, listed.TenantID, listed.Phone)
	if err != nil {
		unlock()
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Error("Failed to reload session for sweep", "tenant_id", listed.TenantID, "phone", listed.Phone, "error", err)
		}
		return false
	}

	var text string
	switch {
	case finalize && s.dueForFinalize(session, now):
		session.SetStage(models.FinalizedStage{})
		session.Active = false
		text = services.ReplyInactivityClosed()
	case !finalize && s.dueForWarning(session, now):
		session.WarningSent = true
		text = services.ReplyInactivityWarning()
	default:
		unlock()
		return false
	}

	// Saved before sending so a retry or a second sweeper never sends twice
	err = s.store.SaveSession(ctx, session)
	unlock()
	if err != nil {
		slog.Warn("Failed to save swept session", "tenant_id", session.TenantID, "phone", session.Phone, "error", err)
		return false
	}

	tenant, err := tenants.get(ctx, session.TenantID)
	if err != nil {
		slog.Error("Failed to load tenant for sweep message", "tenant_id", session.TenantID, "error", err)
		return true
	}
	if err := s.sender.SendReply(ctx, tenant, session.Phone, text); err != nil {
		slog.Warn("Failed to send sweep message", "tenant_id", session.TenantID, "phone", session.Phone, "finalize", finalize, "error", err)
	}
	return true
}

func (s *TimeoutSweeper) dueForFinalize(session *models.ConversationSession, now time.Time) bool {
	return session.Active &&
		session.State != models.StateFinalized &&
		session.IdleFor(now) >= s.finalizeAfter
}

func (s *TimeoutSweeper) dueForWarning(session *models.ConversationSession, now time.Time) bool {
	idle := session.IdleFor(now)
	return session.Active &&
		!session.WarningSent &&
		session.State != models.StateFinalized &&
		idle >= s.warningAfter && idle < s.finalizeAfter
}

// tenantLookup memoizes tenant rows for the duration of one sweep
type tenantLookup struct {
	registry storage.TenantRegistry
	mu       sync.Mutex
	byID     map[string]*models.Tenant
}

func newTenantLookup(registry storage.TenantRegistry) *tenantLookup {
	return &tenantLookup{registry: registry, byID: make(map[string]*models.Tenant)}
}

func (l *tenantLookup) get(ctx context.Context, id string) (*models.Tenant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.byID[id]; ok {
		return t, nil
	}
	t, err := l.registry.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	l.byID[id] = t
	return t, nil
}

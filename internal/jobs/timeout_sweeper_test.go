package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Ananth-NQI/chatshop-backend/internal/models"
	"github.com/Ananth-NQI/chatshop-backend/internal/services"
	"github.com/Ananth-NQI/chatshop-backend/internal/storage"
)

const phone = "+56911111111"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	tenantID, to, text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) SendReply(ctx context.Context, tenant *models.Tenant, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{tenantID: tenant.ID, to: to, text: text})
	return f.err
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type fixture struct {
	store   *storage.MemoryStore
	sender  *fakeSender
	locker  *services.SessionLocker
	sweeper *TimeoutSweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutTenant(models.Tenant{ID: "t1", Name: "Green Shop", Slug: "green", Channel: models.ChannelTwilio, BusinessPhone: "+14155238886"})

	f := &fixture{store: store, sender: &fakeSender{}, locker: services.NewSessionLocker()}
	f.sweeper = NewTimeoutSweeper(store, f.sender, f.locker, time.Minute, 10*time.Minute, 30*time.Minute)
	f.sweeper.lockTimeout = 10 * time.Millisecond
	return f
}

func (f *fixture) startSession(t *testing.T, phone string, at time.Time) {
	t.Helper()
	if _, err := f.store.GetOrCreateSession(context.Background(), "t1", phone, at); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
}

func (f *fixture) session(t *testing.T, phone string) *models.ConversationSession {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), "t1", phone)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

func (f *fixture) sweep(t *testing.T, at time.Time) SweepResult {
	t.Helper()
	res, err := f.sweeper.SweepOnce(context.Background(), at)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	return res
}

func TestSweepWarnsThenFinalizes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startSession(t, phone, base)

	if res := f.sweep(t, base.Add(5*time.Minute)); res != (SweepResult{}) {
		t.Fatalf("sweep before warning time = %+v", res)
	}

	if res := f.sweep(t, base.Add(15*time.Minute)); res != (SweepResult{Warned: 1}) {
		t.Fatalf("warning sweep = %+v", res)
	}
	if !f.session(t, phone).WarningSent {
		t.Error("warning not recorded on the session")
	}

	// Warned sessions are not warned again
	if res := f.sweep(t, base.Add(20*time.Minute)); res != (SweepResult{}) {
		t.Fatalf("second warning sweep = %+v", res)
	}

	if res := f.sweep(t, base.Add(31*time.Minute)); res != (SweepResult{Finalized: 1}) {
		t.Fatalf("finalize sweep = %+v", res)
	}
	s := f.session(t, phone)
	if s.State != models.StateFinalized || s.Active {
		t.Errorf("session = %s active %v, want FINALIZED inactive", s.State, s.Active)
	}
	if res := f.sweep(t, base.Add(60*time.Minute)); res != (SweepResult{}) {
		t.Fatalf("sweep after finalize = %+v", res)
	}

	msgs := f.sender.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want warning and closing", msgs)
	}
	if msgs[0].text != services.ReplyInactivityWarning() || msgs[1].text != services.ReplyInactivityClosed() {
		t.Errorf("messages = %+v", msgs)
	}
	if msgs[0].to != phone || msgs[0].tenantID != "t1" {
		t.Errorf("warning sent to %s/%s", msgs[0].tenantID, msgs[0].to)
	}
}

func TestSweepFinalizesWithoutPriorWarning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startSession(t, phone, base)

	if res := f.sweep(t, base.Add(2*time.Hour)); res != (SweepResult{Finalized: 1}) {
		t.Fatalf("sweep = %+v, want a direct finalize", res)
	}
	msgs := f.sender.messages()
	if len(msgs) != 1 || msgs[0].text != services.ReplyInactivityClosed() {
		t.Errorf("messages = %+v, want only the closing message", msgs)
	}
}

func TestSweepHandlesManySessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, p := range []string{"+56900000001", "+56900000002", "+56900000003"} {
		f.startSession(t, p, base)
	}
	for _, p := range []string{"+56900000004", "+56900000005"} {
		f.startSession(t, p, base.Add(-time.Hour))
	}
	f.startSession(t, "+56900000006", base.Add(10*time.Minute))

	res := f.sweep(t, base.Add(15*time.Minute))
	if res != (SweepResult{Warned: 3, Finalized: 2}) {
		t.Errorf("sweep = %+v, want 3 warned and 2 finalized", res)
	}
	if n := len(f.sender.messages()); n != 5 {
		t.Errorf("messages = %d, want 5", n)
	}
}

func TestSweepSkipsBusySession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startSession(t, phone, base)

	unlock, err := f.locker.Lock(context.Background(), "t1", phone)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if res := f.sweep(t, base.Add(15*time.Minute)); res != (SweepResult{}) {
		t.Errorf("sweep of a locked session = %+v", res)
	}
	unlock()

	if res := f.sweep(t, base.Add(15*time.Minute)); res != (SweepResult{Warned: 1}) {
		t.Errorf("sweep after unlock = %+v", res)
	}
}

// lateMessageStore simulates a customer writing right after the sweep listed sessions
type lateMessageStore struct {
	*storage.MemoryStore
	at time.Time
}

func (s *lateMessageStore) ListSessionsToWarn(ctx context.Context, warnCutoff, finalCutoff time.Time) ([]*models.ConversationSession, error) {
	listed, err := s.MemoryStore.ListSessionsToWarn(ctx, warnCutoff, finalCutoff)
	if err != nil {
		return nil, err
	}
	for _, l := range listed {
		session, err := s.GetSession(ctx, l.TenantID, l.Phone)
		if err != nil {
			return nil, err
		}
		session.LastMessageAt = s.at
		if err := s.SaveSession(ctx, session); err != nil {
			return nil, err
		}
	}
	return listed, nil
}

func TestSweepFreshMessageWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startSession(t, phone, base)
	now := base.Add(15 * time.Minute)

	store := &lateMessageStore{MemoryStore: f.store, at: now}
	sweeper := NewTimeoutSweeper(store, f.sender, f.locker, time.Minute, 10*time.Minute, 30*time.Minute)

	res, err := sweeper.SweepOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res != (SweepResult{}) {
		t.Errorf("sweep = %+v, want nothing after the late message", res)
	}
	if n := len(f.sender.messages()); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
	if f.session(t, phone).WarningSent {
		t.Error("session marked as warned")
	}
}

func TestSweepSendFailureDoesNotResend(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sender.err = errors.New("twilio down")
	f.startSession(t, phone, base)

	if res := f.sweep(t, base.Add(15*time.Minute)); res != (SweepResult{Warned: 1}) {
		t.Fatalf("sweep = %+v", res)
	}
	if res := f.sweep(t, base.Add(16*time.Minute)); res != (SweepResult{}) {
		t.Fatalf("second sweep = %+v, want nothing", res)
	}
	if n := len(f.sender.messages()); n != 1 {
		t.Errorf("send attempts = %d, want 1", n)
	}
}

func TestSweeperStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.startSession(t, phone, base)

	sweeper := NewTimeoutSweeper(f.store, f.sender, f.locker, 5*time.Millisecond, 10*time.Minute, 30*time.Minute)
	sweeper.now = func() time.Time { return base.Add(15 * time.Minute) }
	sweeper.Start(context.Background())
	sweeper.Start(context.Background()) // second start is ignored

	deadline := time.Now().Add(2 * time.Second)
	for len(f.sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sweeper.Stop()
	sweeper.Stop()

	if n := len(f.sender.messages()); n != 1 {
		t.Errorf("messages = %d, want exactly one warning", n)
	}
}

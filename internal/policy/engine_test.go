package policy

import (
	"context"
	"testing"
	"time"

	"github.com/jmaas/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

type fakeLimits struct {
	limits map[string]storage.UserLimit
	access map[string]bool
}

func newFakeLimits() *fakeLimits {
	return &fakeLimits{
		limits: make(map[string]storage.UserLimit),
		access: make(map[string]bool),
	}
}

func (f *fakeLimits) Get(_ context.Context, user string) (*storage.UserLimit, error) {
	l, ok := f.limits[user]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &l, nil
}

func (f *fakeLimits) Set(_ context.Context, limit storage.UserLimit) error {
	f.limits[limit.User] = limit
	return nil
}

func (f *fakeLimits) GetAccess(_ context.Context, user string) (bool, error) {
	allowed, ok := f.access[user]
	if !ok {
		return true, nil
	}
	return allowed, nil
}

func (f *fakeLimits) SetAccess(_ context.Context, user string, allowed bool) error {
	f.access[user] = allowed
	return nil
}

type fakeEvents struct {
	shutdowns     []storage.ShutdownEvent
	notifications []storage.Notification
}

func (f *fakeEvents) AppendShutdown(_ context.Context, ev storage.ShutdownEvent) error {
	f.shutdowns = append(f.shutdowns, ev)
	return nil
}

func (f *fakeEvents) HasShutdownOn(_ context.Context, user, date string) (bool, error) {
	for _, ev := range f.shutdowns {
		if ev.User == user && ev.CreatedAt.Format("2006-01-02") == date {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEvents) ListShutdowns(_ context.Context, limit int) ([]storage.ShutdownEvent, error) {
	return f.shutdowns, nil
}

func (f *fakeEvents) AddNotification(_ context.Context, n storage.Notification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeEvents) ListUnread(_ context.Context, user string) ([]storage.Notification, error) {
	return f.notifications, nil
}

func (f *fakeEvents) DeleteNotificationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

type fakeUsage struct {
	minutes map[string]int
}

func (f *fakeUsage) TodayMinutes(_ context.Context, user string) (int, error) {
	return f.minutes[user], nil
}

func testEngine(t *testing.T) (*Engine, *fakeLimits, *fakeEvents, *fakeUsage, *TestClock) {
	t.Helper()
	limits := newFakeLimits()
	events := &fakeEvents{}
	usage := &fakeUsage{minutes: make(map[string]int)}
	clock := &TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)} // a Wednesday
	cfg := Config{DefaultDailyMinutes: 120, WarningSeconds: 60, WarnBeforeMinutes: 15}
	e := NewEngine(limits, events, usage, cfg, zerolog.Nop())
	e.SetClock(clock)
	return e, limits, events, usage, clock
}

func TestEvaluateUnderLimit(t *testing.T) {
	e, _, _, usage, _ := testEngine(t)
	usage.minutes["alice"] = 30

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow {
		t.Errorf("action = %s, want ALLOW", d.Action)
	}
	if d.Remaining != 90 {
		t.Errorf("remaining = %d, want 90", d.Remaining)
	}
}

func TestEvaluateAccessDisabledWarnsFirst(t *testing.T) {
	e, limits, _, _, clock := testEngine(t)
	limits.access["alice"] = false

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionWarn {
		t.Fatalf("action = %s, want WARN before the first standby of the day", d.Action)
	}
	wantDeadline := clock.Now().Add(60 * time.Second)
	if !d.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", d.Deadline, wantDeadline)
	}

	clock.Advance(61 * time.Second)
	due := e.DueEnforcements()
	if len(due) != 1 || due[0].User != "alice" || due[0].Reason != "access disabled" {
		t.Fatalf("enforcements = %+v, want one access-disabled entry for alice", due)
	}
}

func TestEvaluateAccessDisabledEscalatesAfterShutdownToday(t *testing.T) {
	e, limits, events, _, clock := testEngine(t)
	limits.access["alice"] = false
	events.shutdowns = append(events.shutdowns, storage.ShutdownEvent{
		User:      "alice",
		CreatedAt: clock.Now().Add(-time.Hour),
	})

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionEnforce {
		t.Errorf("action = %s, want ENFORCE after a shutdown already ran today", d.Action)
	}
	if e.WarningActive("alice") {
		t.Error("escalated decision must not arm a warning")
	}
}

func TestEvaluateZeroLimitSkipsWarning(t *testing.T) {
	e, limits, _, _, _ := testEngine(t)
	limits.limits["alice"] = storage.UserLimit{User: "alice", DailyMinutes: 0, Enabled: true}

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionEnforce {
		t.Errorf("action = %s, want immediate ENFORCE for zero limit", d.Action)
	}
	if e.WarningActive("alice") {
		t.Error("zero limit must not arm a warning")
	}
}

func TestEvaluateLimitReachedArmsWarning(t *testing.T) {
	e, _, _, usage, clock := testEngine(t)
	usage.minutes["alice"] = 120

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionWarn {
		t.Fatalf("action = %s, want WARN", d.Action)
	}
	wantDeadline := clock.Now().Add(60 * time.Second)
	if !d.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", d.Deadline, wantDeadline)
	}

	// Re-evaluating while the warning is pending must not push the
	// deadline out.
	clock.Advance(30 * time.Second)
	d2, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !d2.Deadline.Equal(wantDeadline) {
		t.Errorf("re-evaluated deadline = %v, want unchanged %v", d2.Deadline, wantDeadline)
	}

	if due := e.DueEnforcements(); len(due) != 0 {
		t.Fatalf("enforcements before deadline = %+v, want none", due)
	}
	clock.Advance(31 * time.Second)
	due := e.DueEnforcements()
	if len(due) != 1 || due[0].User != "alice" || due[0].DeviceID != "c1" {
		t.Fatalf("enforcements = %+v, want one for alice on c1", due)
	}
	if e.WarningActive("alice") {
		t.Error("deadline fired but warning still armed")
	}
}

func TestEvaluateEscalatesAfterShutdownToday(t *testing.T) {
	e, _, events, usage, clock := testEngine(t)
	usage.minutes["alice"] = 120
	events.shutdowns = append(events.shutdowns, storage.ShutdownEvent{
		User:      "alice",
		CreatedAt: clock.Now().Add(-2 * time.Hour),
	})

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionEnforce {
		t.Errorf("action = %s, want ENFORCE after a shutdown today", d.Action)
	}
}

func TestEvaluateWeekdayOverride(t *testing.T) {
	e, limits, _, usage, _ := testEngine(t)
	// Wednesday override of 45 beats the flat cap of 120.
	limits.limits["alice"] = storage.UserLimit{
		User:           "alice",
		DailyMinutes:   120,
		WeekdayMinutes: map[int]int{int(time.Wednesday): 45},
		Enabled:        true,
	}
	usage.minutes["alice"] = 50

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionWarn {
		t.Errorf("action = %s, want WARN against the weekday override", d.Action)
	}
	if d.LimitMin != 45 {
		t.Errorf("limit = %d, want 45", d.LimitMin)
	}
}

func TestEvaluateDisabledLimitIsUnlimited(t *testing.T) {
	e, limits, _, usage, _ := testEngine(t)
	limits.limits["alice"] = storage.UserLimit{User: "alice", DailyMinutes: 30, Enabled: false}
	usage.minutes["alice"] = 500

	d, err := e.Evaluate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionAllow {
		t.Errorf("action = %s, want ALLOW for disabled limit", d.Action)
	}
}

func TestCourtesyNotificationOncePerDay(t *testing.T) {
	e, _, events, usage, _ := testEngine(t)
	usage.minutes["alice"] = 110 // 10 minutes left, threshold 15

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(context.Background(), "alice", "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if len(events.notifications) != 1 {
		t.Fatalf("notifications = %d, want exactly 1", len(events.notifications))
	}
}

func TestRecordShutdownStoresMode(t *testing.T) {
	e, _, events, _, _ := testEngine(t)

	if err := e.RecordShutdown(context.Background(), "alice", "c1", "daily limit of 120 minutes reached"); err != nil {
		t.Fatal(err)
	}
	if len(events.shutdowns) != 1 {
		t.Fatalf("shutdowns = %d, want 1", len(events.shutdowns))
	}
	if got := events.shutdowns[0].Mode; got != "standby" {
		t.Errorf("mode = %q, want standby", got)
	}
}

func TestCancelWarningOnRecovery(t *testing.T) {
	e, _, _, usage, clock := testEngine(t)
	usage.minutes["alice"] = 120

	if _, err := e.Evaluate(context.Background(), "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if !e.WarningActive("alice") {
		t.Fatal("warning not armed")
	}

	// The limit is raised before the deadline: the next evaluation
	// disarms the warning.
	usage.minutes["alice"] = 60
	if _, err := e.Evaluate(context.Background(), "alice", "c1"); err != nil {
		t.Fatal(err)
	}
	if e.WarningActive("alice") {
		t.Error("warning still armed after usage dropped under the limit")
	}
	clock.Advance(5 * time.Minute)
	if due := e.DueEnforcements(); len(due) != 0 {
		t.Errorf("enforcements = %+v, want none after cancel", due)
	}
}

package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/policy"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic    string
		wantID   string
		wantOK   bool
	}{
		{"console/PS5-ABC/status", "PS5-ABC", true},
		{"console/PS5-ABC", "PS5-ABC", true},
		{"console/PS5-ABC/set/power", "", false},
		{"console/PS5-ABC/command", "", false},
		{"console/users/alice/daily", "", false},
		{"console/users/alice/warning", "", false},
		{"other/PS5-ABC/status", "", false},
		{"console", "", false},
		{"console/", "", false},
	}
	for _, tt := range tests {
		id, ok := ParseTopic("console", tt.topic)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParseTopic(%q) = (%q, %v), want (%q, %v)", tt.topic, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Alice", "alice"},
		{"Alice Smith", "alice_smith"},
		{"björn", "bjrn"},
		{"kid-2", "kid_2"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type capture struct {
	messages map[string]string
	retained map[string]bool
}

func newCapture() *capture {
	return &capture{messages: make(map[string]string), retained: make(map[string]bool)}
}

func (c *capture) pub(topic string, qos byte, retained bool, payload string) error {
	c.messages[topic] = payload
	c.retained[topic] = retained
	return nil
}

func testPublisher(t *testing.T) (*Publisher, *capture, *policy.TestClock) {
	t.Helper()
	cap := newCapture()
	p := newPublisher(cap.pub, PublisherConfig{Prefix: "console", DiscoveryPrefix: "homeassistant"}, zerolog.Nop())
	clock := &policy.TestClock{CurrentTime: time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)}
	p.SetClock(clock)
	return p, cap, clock
}

func TestPublishUserSensors(t *testing.T) {
	p, cap, _ := testPublisher(t)

	err := p.PublishUser("alice", UserSensors{
		DailyMinutes:     45,
		WeeklyMinutes:    120,
		MonthlyMinutes:   300,
		RemainingMinutes: 75,
		Game:             "Astro Bot",
		Active:           true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"console/users/alice/daily":     "45",
		"console/users/alice/weekly":    "120",
		"console/users/alice/monthly":   "300",
		"console/users/alice/remaining": "75",
		"console/users/alice/game":      "Astro Bot",
		"console/users/alice/active":    "ON",
		"console/users/alice/warning":   "OFF",
	}
	for topic, payload := range want {
		if got := cap.messages[topic]; got != payload {
			t.Errorf("%s = %q, want %q", topic, got, payload)
		}
		if !cap.retained[topic] {
			t.Errorf("%s not retained", topic)
		}
	}
}

func TestMonotonicGuard(t *testing.T) {
	p, cap, clock := testPublisher(t)

	if err := p.PublishUser("alice", UserSensors{DailyMinutes: 45}); err != nil {
		t.Fatal(err)
	}
	// A lower reading must not be visible on the wire.
	if err := p.PublishUser("alice", UserSensors{DailyMinutes: 30}); err != nil {
		t.Fatal(err)
	}
	if got := cap.messages["console/users/alice/daily"]; got != "45" {
		t.Errorf("daily after regression = %q, want guarded 45", got)
	}

	// Next day the floor resets.
	clock.CurrentTime = time.Date(2026, 3, 5, 0, 5, 0, 0, time.UTC)
	if err := p.PublishUser("alice", UserSensors{DailyMinutes: 3}); err != nil {
		t.Fatal(err)
	}
	if got := cap.messages["console/users/alice/daily"]; got != "3" {
		t.Errorf("daily after rollover = %q, want 3", got)
	}
	// Weekly floor survives the day rollover.
	if got := cap.messages["console/users/alice/weekly"]; got != "45" {
		t.Errorf("weekly after rollover = %q, want guarded 45", got)
	}
}

func TestRemainingMayDecrease(t *testing.T) {
	p, cap, _ := testPublisher(t)

	if err := p.PublishUser("alice", UserSensors{RemainingMinutes: 60}); err != nil {
		t.Fatal(err)
	}
	if err := p.PublishUser("alice", UserSensors{RemainingMinutes: 30}); err != nil {
		t.Fatal(err)
	}
	if got := cap.messages["console/users/alice/remaining"]; got != "30" {
		t.Errorf("remaining = %q, want 30", got)
	}
}

func TestPublishStandbyNotRetained(t *testing.T) {
	p, cap, _ := testPublisher(t)

	if err := p.PublishStandby("PS5-ABC"); err != nil {
		t.Fatal(err)
	}
	if got := cap.messages["console/PS5-ABC/set/power"]; got != "STANDBY" {
		t.Errorf("command payload = %q, want STANDBY", got)
	}
	if cap.retained["console/PS5-ABC/set/power"] {
		t.Error("standby command must not be retained")
	}
}

func TestDiscoveryPublishedOnce(t *testing.T) {
	p, cap, _ := testPublisher(t)

	if err := p.PublishDiscovery("alice"); err != nil {
		t.Fatal(err)
	}
	cfgTopic := "homeassistant/sensor/playwarden_alice/daily/config"
	first := cap.messages[cfgTopic]
	if first == "" {
		t.Fatalf("no discovery config on %s", cfgTopic)
	}
	if !cap.retained[cfgTopic] {
		t.Error("discovery config must be retained")
	}

	cap.messages[cfgTopic] = "tampered"
	if err := p.PublishDiscovery("alice"); err != nil {
		t.Fatal(err)
	}
	if cap.messages[cfgTopic] != "tampered" {
		t.Error("discovery re-published for the same user")
	}
}

package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/stats"
)

// UserSensors is one publishable reading of a user's sensors.
type UserSensors struct {
	DailyMinutes     int64
	WeeklyMinutes    int64
	MonthlyMinutes   int64
	RemainingMinutes int64
	Game             string
	Active           bool
	Warning          bool
}

type publishFunc func(topic string, qos byte, retained bool, payload string) error

// PublisherConfig holds publishing settings.
type PublisherConfig struct {
	Prefix string
	// DiscoveryPrefix is the auto-discovery root, usually
	// "homeassistant". Empty disables discovery publishing.
	DiscoveryPrefix string
}

// Publisher writes per-user sensors, warnings and standby commands to
// the broker. Usage counters are guarded so a published value never
// drops within its period, even when an upstream source answers with
// less than what was already announced.
type Publisher struct {
	pub    publishFunc
	cfg    PublisherConfig
	clock  policy.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	floors   map[string]int64
	periods  map[string]string
	announce map[string]bool
}

// NewPublisher creates a publisher over an existing broker connection.
func NewPublisher(client mqtt.Client, cfg PublisherConfig, logger zerolog.Logger) *Publisher {
	pub := func(topic string, qos byte, retained bool, payload string) error {
		token := client.Publish(topic, qos, retained, payload)
		if token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	return newPublisher(pub, cfg, logger)
}

func newPublisher(pub publishFunc, cfg PublisherConfig, logger zerolog.Logger) *Publisher {
	return &Publisher{
		pub:      pub,
		cfg:      cfg,
		clock:    policy.RealClock{},
		logger:   logger.With().Str("component", "publisher").Logger(),
		floors:   make(map[string]int64),
		periods:  make(map[string]string),
		announce: make(map[string]bool),
	}
}

// SetClock sets the clock (for testing).
func (p *Publisher) SetClock(clock policy.Clock) {
	p.clock = clock
}

// PublishUser publishes all sensors of one user, retained, applying
// the monotonic guard to the usage counters.
func (p *Publisher) PublishUser(user string, s UserSensors) error {
	now := p.clock.Now()
	daily := p.guard(userSensorTopic(p.cfg.Prefix, user, "daily"),
		stats.WindowStart(now, stats.WindowToday).Format("2006-01-02"), s.DailyMinutes)
	weekly := p.guard(userSensorTopic(p.cfg.Prefix, user, "weekly"),
		stats.WindowStart(now, stats.WindowWeek).Format("2006-01-02"), s.WeeklyMinutes)
	monthly := p.guard(userSensorTopic(p.cfg.Prefix, user, "monthly"),
		stats.WindowStart(now, stats.WindowMonth).Format("2006-01-02"), s.MonthlyMinutes)

	values := map[string]string{
		"daily":     strconv.FormatInt(daily, 10),
		"weekly":    strconv.FormatInt(weekly, 10),
		"monthly":   strconv.FormatInt(monthly, 10),
		"remaining": strconv.FormatInt(s.RemainingMinutes, 10),
		"game":      s.Game,
		"active":    onOff(s.Active),
	}
	for sensor, payload := range values {
		if err := p.pub(userSensorTopic(p.cfg.Prefix, user, sensor), 0, true, payload); err != nil {
			return fmt.Errorf("publishing %s for %s: %w", sensor, user, err)
		}
	}
	return p.PublishWarning(user, s.Warning)
}

// PublishWarning sets or clears the retained warning flag.
func (p *Publisher) PublishWarning(user string, on bool) error {
	if err := p.pub(warningTopic(p.cfg.Prefix, user), 0, true, onOff(on)); err != nil {
		return fmt.Errorf("publishing warning for %s: %w", user, err)
	}
	return nil
}

// PublishStandby sends the standby command to a device. The command is
// not retained: a console that reconnects later must not replay an old
// shutdown.
func (p *Publisher) PublishStandby(deviceID string) error {
	if err := p.pub(commandTopic(p.cfg.Prefix, deviceID), 1, false, "STANDBY"); err != nil {
		return fmt.Errorf("sending standby to %s: %w", deviceID, err)
	}
	p.logger.Warn().Str("device", deviceID).Msg("Standby command sent")
	return nil
}

// guard returns the highest value published on topic within the
// current period. A new period resets the floor.
func (p *Publisher) guard(topic, period string, v int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.periods[topic] != period {
		p.periods[topic] = period
		p.floors[topic] = 0
	}
	if v < p.floors[topic] {
		return p.floors[topic]
	}
	p.floors[topic] = v
	return v
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// discoveryConfig is a home-automation auto-discovery announcement.
type discoveryConfig struct {
	Name        string          `json:"name"`
	StateTopic  string          `json:"state_topic"`
	UniqueID    string          `json:"unique_id"`
	Unit        string          `json:"unit_of_measurement,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	DeviceClass string          `json:"device_class,omitempty"`
	Device      discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

// PublishDiscovery announces a user's sensors for auto-discovery. The
// configs are retained and published once per user per process.
func (p *Publisher) PublishDiscovery(user string) error {
	if p.cfg.DiscoveryPrefix == "" {
		return nil
	}
	p.mu.Lock()
	if p.announce[user] {
		p.mu.Unlock()
		return nil
	}
	p.announce[user] = true
	p.mu.Unlock()

	slug := sanitize(user)
	device := discoveryDevice{
		Identifiers:  []string{"playwarden_" + slug},
		Name:         "Playwarden " + user,
		Manufacturer: "playwarden",
	}

	type sensorDef struct {
		component string
		sensor    string
		name      string
		unit      string
		icon      string
		class     string
	}
	defs := []sensorDef{
		{"sensor", "daily", user + " playtime today", "min", "mdi:timer-outline", ""},
		{"sensor", "weekly", user + " playtime this week", "min", "mdi:timer-outline", ""},
		{"sensor", "monthly", user + " playtime this month", "min", "mdi:timer-outline", ""},
		{"sensor", "remaining", user + " playtime remaining", "min", "mdi:timer-sand", ""},
		{"sensor", "game", user + " current game", "", "mdi:gamepad-variant", ""},
		{"binary_sensor", "active", user + " playing", "", "", "running"},
		{"binary_sensor", "warning", user + " shutdown warning", "", "", "problem"},
	}
	for _, d := range defs {
		cfg := discoveryConfig{
			Name:        d.name,
			StateTopic:  userSensorTopic(p.cfg.Prefix, user, d.sensor),
			UniqueID:    fmt.Sprintf("playwarden_%s_%s", slug, d.sensor),
			Unit:        d.unit,
			Icon:        d.icon,
			DeviceClass: d.class,
			Device:      device,
		}
		if d.sensor == "warning" {
			cfg.StateTopic = warningTopic(p.cfg.Prefix, user)
		}
		body, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding discovery for %s/%s: %w", user, d.sensor, err)
		}
		topic := fmt.Sprintf("%s/%s/playwarden_%s/%s/config",
			p.cfg.DiscoveryPrefix, d.component, slug, d.sensor)
		if err := p.pub(topic, 0, true, string(body)); err != nil {
			return fmt.Errorf("publishing discovery for %s/%s: %w", user, d.sensor, err)
		}
	}
	p.logger.Info().Str("user", user).Msg("Discovery configs published")
	return nil
}

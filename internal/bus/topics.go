// Package bus connects the engine to the MQTT broker: it consumes
// device telemetry and publishes per-user sensors, warnings and
// standby commands.
package bus

import (
	"fmt"
	"strings"
)

// ParseTopic extracts the device id from a telemetry topic under the
// configured prefix. ok is false for topics that must not be treated
// as telemetry: foreign prefixes, our own command and warning topics,
// and bare prefix publishes.
func ParseTopic(prefix, topic string) (deviceID string, ok bool) {
	if !strings.HasPrefix(topic, prefix+"/") {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix+"/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	// Echoes of our own publishes come back on the shared prefix.
	for _, p := range parts {
		switch p {
		case "set", "command", "warning", "users":
			return "", false
		}
	}
	return parts[0], true
}

// Telemetry and command topic layout under the prefix.

func commandTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/set/power", prefix, deviceID)
}

func userSensorTopic(prefix, user, sensor string) string {
	return fmt.Sprintf("%s/users/%s/%s", prefix, sanitize(user), sensor)
}

func warningTopic(prefix, user string) string {
	return fmt.Sprintf("%s/users/%s/warning", prefix, sanitize(user))
}

// sanitize makes a user name safe for use as a topic segment.
func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			b.WriteByte('_')
		}
	}
	return b.String()
}

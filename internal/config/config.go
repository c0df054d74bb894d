// Package config holds the runtime configuration: broker endpoint,
// credentials, STOMP handshake settings and matchmaking defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores every parameter gathered from the environment, an optional
// .env file and the CLI flags (flags win).
type Config struct {
	BrokerURL string // WebSocket URL of the STOMP broker, e.g. ws://host:8080/ws/websocket

	User string // account uuid sent in the registration request
	Pass string // account secret sent in the registration request

	Login    string // STOMP CONNECT login header
	Passcode string // STOMP CONNECT passcode header

	ClientHeartbeat time.Duration // how often we promise to send heart-beats (0 disables)
	ServerHeartbeat time.Duration // how often we want the broker to send heart-beats (0 disables)

	Destinations Destinations

	Topic    string // random chat: what to talk about
	RoomHint string // random chat: preferred room, may be empty
	MinAge   int    // random chat: birth year lower bound (0 = any)
	MaxAge   int    // random chat: birth year upper bound (0 = any)

	Loopback bool // mirror local offers/candidates back to self (test mode)
	Debug    bool
}

// Destinations are the logical broker addresses the client publishes to.
type Destinations struct {
	Register   string
	Signal     string
	RandomChat string
	LeaveRoom  string
	ReplyQueue string // template; "{id}" is replaced with the correlation id
}

// ReplyQueueFor expands the reply queue template for the given identity.
func (d Destinations) ReplyQueueFor(id string) string {
	return strings.ReplaceAll(d.ReplyQueue, "{id}", id)
}

// DefaultDestinations returns the destinations used by the matchmaking server.
func DefaultDestinations() Destinations {
	return Destinations{
		Register:   "/app/register",
		Signal:     "/app/signal",
		RandomChat: "/app/randomChat",
		LeaveRoom:  "/app/leaveRoom",
		ReplyQueue: "/user/{id}/queue/messages",
	}
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		Login:           "guest",
		Passcode:        "passcode",
		ClientHeartbeat: 30 * time.Second,
		ServerHeartbeat: 30 * time.Second,
		Destinations:    DefaultDestinations(),
	}
}

// Load builds a Config from defaults, an optional TOML file named by
// RTCROOM_CONFIG, a .env file in the working directory (if present) and
// RTCROOM_* environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("RTCROOM_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	d := cfg.Destinations

	cfg.BrokerURL = getEnv("RTCROOM_BROKER_URL", cfg.BrokerURL)
	cfg.User = getEnv("RTCROOM_USER", cfg.User)
	cfg.Pass = getEnv("RTCROOM_PASS", cfg.Pass)
	cfg.Login = getEnv("RTCROOM_STOMP_LOGIN", cfg.Login)
	cfg.Passcode = getEnv("RTCROOM_STOMP_PASSCODE", cfg.Passcode)
	cfg.Topic = getEnv("RTCROOM_TOPIC", cfg.Topic)
	cfg.RoomHint = getEnv("RTCROOM_ROOM", cfg.RoomHint)

	cfg.Destinations = Destinations{
		Register:   getEnv("RTCROOM_DEST_REGISTER", d.Register),
		Signal:     getEnv("RTCROOM_DEST_SIGNAL", d.Signal),
		RandomChat: getEnv("RTCROOM_DEST_RANDOM_CHAT", d.RandomChat),
		LeaveRoom:  getEnv("RTCROOM_DEST_LEAVE_ROOM", d.LeaveRoom),
		ReplyQueue: getEnv("RTCROOM_DEST_REPLY_QUEUE", d.ReplyQueue),
	}

	var err error
	if cfg.ClientHeartbeat, err = getEnvMillis("RTCROOM_CLIENT_HEARTBEAT_MS", cfg.ClientHeartbeat); err != nil {
		return nil, err
	}
	if cfg.ServerHeartbeat, err = getEnvMillis("RTCROOM_SERVER_HEARTBEAT_MS", cfg.ServerHeartbeat); err != nil {
		return nil, err
	}
	if cfg.MinAge, err = getEnvInt("RTCROOM_MIN_AGE", cfg.MinAge); err != nil {
		return nil, err
	}
	if cfg.MaxAge, err = getEnvInt("RTCROOM_MAX_AGE", cfg.MaxAge); err != nil {
		return nil, err
	}
	cfg.Loopback = getEnvBool("RTCROOM_LOOPBACK", cfg.Loopback)
	cfg.Debug = getEnvBool("RTCROOM_DEBUG", cfg.Debug)

	return cfg, nil
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.BrokerURL == "":
		return fmt.Errorf("missing broker URL")
	case c.User == "":
		return fmt.Errorf("missing user")
	case c.ClientHeartbeat < 0 || c.ServerHeartbeat < 0:
		return fmt.Errorf("heart-beat intervals must not be negative")
	case c.MinAge > 0 && c.MaxAge > 0 && c.MinAge > c.MaxAge:
		return fmt.Errorf("min age %d is greater than max age %d", c.MinAge, c.MaxAge)
	case !strings.Contains(c.Destinations.ReplyQueue, "{id}"):
		return fmt.Errorf("reply queue %q has no {id} placeholder", c.Destinations.ReplyQueue)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, int(defaultValue/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

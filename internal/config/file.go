package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the [rtcroom] section of a TOML config file. Absent keys
// leave the current value untouched.
type fileConfig struct {
	RTCRoom struct {
		BrokerURL         string `toml:"broker_url"`
		User              string `toml:"user"`
		Pass              string `toml:"pass"`
		StompLogin        string `toml:"stomp_login"`
		StompPasscode     string `toml:"stomp_passcode"`
		ClientHeartbeatMS *int   `toml:"client_heartbeat_ms"`
		ServerHeartbeatMS *int   `toml:"server_heartbeat_ms"`
		Topic             string `toml:"topic"`
		Room              string `toml:"room"`
		MinAge            int    `toml:"min_age"`
		MaxAge            int    `toml:"max_age"`
		Loopback          bool   `toml:"loopback"`
		Debug             bool   `toml:"debug"`

		Destinations struct {
			Register   string `toml:"register"`
			Signal     string `toml:"signal"`
			RandomChat string `toml:"random_chat"`
			LeaveRoom  string `toml:"leave_room"`
			ReplyQueue string `toml:"reply_queue"`
		} `toml:"destinations"`
	} `toml:"rtcroom"`
}

// LoadFile overlays the [rtcroom] section of the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f fileConfig
	if err := toml.Unmarshal(content, &f); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	r := f.RTCRoom

	setString(&c.BrokerURL, r.BrokerURL)
	setString(&c.User, r.User)
	setString(&c.Pass, r.Pass)
	setString(&c.Login, r.StompLogin)
	setString(&c.Passcode, r.StompPasscode)
	setString(&c.Topic, r.Topic)
	setString(&c.RoomHint, r.Room)

	setString(&c.Destinations.Register, r.Destinations.Register)
	setString(&c.Destinations.Signal, r.Destinations.Signal)
	setString(&c.Destinations.RandomChat, r.Destinations.RandomChat)
	setString(&c.Destinations.LeaveRoom, r.Destinations.LeaveRoom)
	setString(&c.Destinations.ReplyQueue, r.Destinations.ReplyQueue)

	if r.ClientHeartbeatMS != nil {
		c.ClientHeartbeat = time.Duration(*r.ClientHeartbeatMS) * time.Millisecond
	}
	if r.ServerHeartbeatMS != nil {
		c.ServerHeartbeat = time.Duration(*r.ServerHeartbeatMS) * time.Millisecond
	}
	if r.MinAge != 0 {
		c.MinAge = r.MinAge
	}
	if r.MaxAge != 0 {
		c.MaxAge = r.MaxAge
	}
	c.Loopback = c.Loopback || r.Loopback
	c.Debug = c.Debug || r.Debug
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

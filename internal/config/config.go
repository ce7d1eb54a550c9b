// Package config loads binary configuration from NETPLAY_* environment
// variables. Library packages take plain structs and never look at the
// environment themselves.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

const Prefix = "netplay"

type Common struct {
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	VersionMajor uint32 `envconfig:"VERSION_MAJOR" default:"4"`
	VersionMinor uint32 `envconfig:"VERSION_MINOR" default:"5"`
	ModList      string `envconfig:"MODLIST"`
	IdentityFile string `envconfig:"IDENTITY_FILE" default:"identity.key"`

	// The slot layout is part of the protocol; host and joiners must agree.
	PlayerSlots    int `envconfig:"PLAYER_SLOTS" default:"10"`
	SpectatorSlots int `envconfig:"SPECTATOR_SLOTS" default:"10"`
}

// Level is LogLevel as a phuslu level.
func (c *Common) Level() log.Level {
	return log.ParseLevel(c.LogLevel)
}

type Host struct {
	Common

	Name          string `envconfig:"NAME" default:"Host"`
	Address       string `envconfig:"ADDRESS" default:":2100"`
	SessionName   string `envconfig:"SESSION_NAME" default:"netplay game"`
	MapName       string `envconfig:"MAP" default:"Sk-Rush"`
	VersionString string `envconfig:"VERSION_STRING" default:"4.5"`
	Password      string `envconfig:"PASSWORD"`
	Spectator     bool   `envconfig:"SPECTATE"`

	// Lobby is the lobby server to list the session on; empty keeps the
	// session unlisted.
	Lobby string `envconfig:"LOBBY"`
	// BanDB is a sqlite file for permanent bans; empty keeps them in memory.
	BanDB string `envconfig:"BAN_DB"`

	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"5s"`
	HeartbeatGrace   time.Duration `envconfig:"HEARTBEAT_GRACE" default:"15s"`
}

type Join struct {
	Common

	Name        string        `envconfig:"NAME" default:"Player"`
	Password    string        `envconfig:"PASSWORD"`
	Spectator   bool          `envconfig:"SPECTATE"`
	DownloadDir string        `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	PreferIPv6  bool          `envconfig:"PREFER_IPV6"`
	Timeout     time.Duration `envconfig:"JOIN_TIMEOUT" default:"10s"`
}

type Lobby struct {
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	Address       string        `envconfig:"LOBBY_ADDRESS" default:"0.0.0.0:9990"`
	MOTD          string        `envconfig:"LOBBY_MOTD" default:"Welcome."`
	EvictAfter    time.Duration `envconfig:"LOBBY_EVICT_AFTER" default:"1m"`
	MaxConnsPerIP int           `envconfig:"LOBBY_MAX_CONNS_PER_IP" default:"8"`
	ProbeHosts    bool          `envconfig:"LOBBY_PROBE_HOSTS" default:"true"`
	ProbeTimeout  time.Duration `envconfig:"LOBBY_PROBE_TIMEOUT" default:"2s"`
}

func (c *Lobby) Level() log.Level {
	return log.ParseLevel(c.LogLevel)
}

// Load fills a Host, Join or Lobby from the environment.
func Load[T Host | Join | Lobby]() (*T, error) {
	config := new(T)
	if err := envconfig.Process(Prefix, config); err != nil {
		return nil, fmt.Errorf("could not process config: %w", err)
	}
	return config, nil
}

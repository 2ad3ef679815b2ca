// Package config holds the client configuration file: backend coordinates,
// local identity, socket tuning, and media/history options.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/parley/internal/util"
)

var log = logging.Logger("parley:config")

type Config struct {
	Backend  Backend  `json:"backend"`
	Identity Identity `json:"identity"`
	Socket   Socket   `json:"socket"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
}

type Backend struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type Socket struct {
	// MaxAttempts caps automatic reconnects after abnormal closure.
	MaxAttempts int `json:"max_attempts"`
	// BaseDelayMs and MaxDelayMs bound the reconnect backoff.
	BaseDelayMs int `json:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms"`
	// HeartbeatSec is the session heartbeat cadence.
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Media struct {
	// DisableCapture skips microphone acquisition; calls become receive-only.
	DisableCapture bool `json:"disable_capture"`
	// StunURL overrides the default STUN server.
	StunURL string `json:"stun_url"`
}

type History struct {
	// Dir is where the call log database lives. Empty disables the log.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			BaseURL: "http://127.0.0.1:8080",
		},
		Socket: Socket{
			MaxAttempts:  10,
			BaseDelayMs:  2000,
			MaxDelayMs:   30000,
			HeartbeatSec: 25,
		},
		Media: Media{
			StunURL: "stun:stun.l.google.com:19302",
		},
		History: History{
			Dir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	}
	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Watch re-loads the config file whenever it changes on disk and hands the
// result to fn. Invalid intermediate states (editors write in several steps)
// are logged and skipped. The watcher stops when stop is closed.
func Watch(path string, stop <-chan struct{}, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	base := filepath.Base(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}

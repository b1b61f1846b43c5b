package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/akbadjie/havanah/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	Gateway  Gateway  `json:"gateway"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

type Paths struct {
	// StoreDir holds the document store. Relative to the data directory.
	StoreDir string `json:"store_dir"`
}

type Gateway struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Chat struct {
	// TypingWindowSec is the inactivity window after which the typing flag
	// clears.
	TypingWindowSec int `json:"typing_window_seconds"`
}

type Call struct {
	Enabled bool `json:"enabled"`

	// STUNURL overrides the default STUN server for candidate gathering.
	// Example: stun:stun.l.google.com:19302
	STUNURL string `json:"stun_url"`
}

type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID:      "",
			DisplayName: "",
		},
		Paths: Paths{
			StoreDir: "data/store",
		},
		Gateway: Gateway{
			HTTPAddr: "127.0.0.1:7780",
			Debug:    false,
		},
		Chat: Chat{
			TypingWindowSec: 4,
		},
		Call: Call{
			Enabled: true,
			STUNURL: "",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Paths
	if strings.TrimSpace(c.Paths.StoreDir) == "" {
		return errors.New("paths.store_dir is required")
	}

	// Gateway
	if addr := strings.TrimSpace(c.Gateway.HTTPAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("gateway.http_addr: %v", err)
		}
	}

	// Chat
	if c.Chat.TypingWindowSec <= 0 || c.Chat.TypingWindowSec > 60 {
		return errors.New("chat.typing_window_seconds must be 1..60")
	}

	// Call
	if c.Call.Enabled && c.Call.STUNURL != "" {
		if err := validateSTUNURL(c.Call.STUNURL); err != nil {
			return fmt.Errorf("call.stun_url: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be one of debug, info, warn, error")
	}

	return nil
}

func validateSTUNURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "stun" && u.Scheme != "stuns" && u.Scheme != "turn" && u.Scheme != "turns" {
		return errors.New("scheme must be stun, stuns, turn or turns")
	}
	if u.Opaque == "" {
		return errors.New("missing host")
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

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// with the given user id filled in. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

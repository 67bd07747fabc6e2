package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-lobby/internal/domain"
)

//go:embed defaults.yaml
var defaultFiles embed.FS

// Policy is the lobby behavior that operators may tune per deployment.
type Policy struct {
	DefaultTimeControl domain.TimeControl                `yaml:"default_time_control"`
	AbandonmentGrace   map[domain.Category]time.Duration `yaml:"abandonment_grace"`
	Chat               ChatPolicy                        `yaml:"chat"`
	LobbyTTL           time.Duration                     `yaml:"lobby_ttl"`
}

type ChatPolicy struct {
	MaxRunes    int `yaml:"max_runes"`
	MaxMessages int `yaml:"max_messages"`
}

// LoadPolicy reads the embedded defaults and applies overridePath on top when set.
func LoadPolicy(overridePath string) (Policy, error) {
	raw, err := fs.ReadFile(defaultFiles, "defaults.yaml")
	if err != nil {
		return Policy{}, fmt.Errorf("read embedded defaults: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse embedded defaults: %w", err)
	}
	if strings.TrimSpace(overridePath) != "" {
		b, err := os.ReadFile(overridePath)
		if err != nil {
			return Policy{}, fmt.Errorf("read %s: %w", overridePath, err)
		}
		// decoding onto p keeps defaults for absent keys; maps are merged key by key
		if err := yaml.Unmarshal(b, &p); err != nil {
			return Policy{}, fmt.Errorf("parse %s: %w", overridePath, err)
		}
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if p.DefaultTimeControl.InitialMs < 0 || p.DefaultTimeControl.IncrementMs < 0 {
		return errors.New("default_time_control must not be negative")
	}
	for c, d := range p.AbandonmentGrace {
		if d < 0 {
			return fmt.Errorf("abandonment_grace.%s must not be negative", c)
		}
	}
	if p.Chat.MaxRunes <= 0 {
		return errors.New("chat.max_runes must be positive")
	}
	if p.LobbyTTL <= 0 {
		return errors.New("lobby_ttl must be positive")
	}
	return nil
}

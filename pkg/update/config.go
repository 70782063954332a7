package update

import (
	"fmt"
	"net/url"

	"github.com/basalt-os/basaltctl/internal/constants"
	"github.com/joho/godotenv"
)

// Config is the updater's entire configuration surface, read from
// /etc/basalt/update.conf in env-file format.
type Config struct {
	// ReleaseURL is the releases metadata endpoint.
	ReleaseURL string
	// Channel selects the release stream. Informational for now, the
	// endpoint already encodes it.
	Channel string
}

// LoadConfig reads the config file. A missing RELEASE_URL is fatal, an
// updater with nowhere to look for releases cannot do anything useful.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = constants.UpdateConf
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Config{
		ReleaseURL: env["RELEASE_URL"],
		Channel:    env["CHANNEL"],
	}
	if cfg.ReleaseURL == "" {
		return Config{}, fmt.Errorf("config %s sets no RELEASE_URL", path)
	}
	if _, err := url.ParseRequestURI(cfg.ReleaseURL); err != nil {
		return Config{}, fmt.Errorf("config %s has invalid RELEASE_URL: %w", path, err)
	}
	if cfg.Channel == "" {
		cfg.Channel = "stable"
	}
	return cfg, nil
}

// Package peerconfig aggregates every subsystem's Config into the one
// structure a process assembling a peer loads from disk, the way the
// teacher's own configuration package aggregates its agent/registry/tag
// settings behind one YAML file.
package peerconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/tormint/peer/controller"
	"github.com/tormint/peer/server"
)

// Config is the top-level settings document for one peer process.
type Config struct {
	// PieceLength is the default piece size used when seeding a package
	// from a local file rather than an existing .torrent metainfo.
	PieceLength int64 `yaml:"piece_length"`
	// DownloadDir is where in-progress and completed packages are stored.
	DownloadDir string `yaml:"download_dir"`

	Controller controller.Config `yaml:"controller"`
	Server     server.Config     `yaml:"server"`
}

func (c Config) applyDefaults() Config {
	if c.PieceLength == 0 {
		c.PieceLength = 256 * 1024
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	return c
}

// Load reads and parses a YAML config document from path. Defaults for the
// embedded Controller/Server/Tracker configs are applied later, by their own
// constructors, the same as when those Configs are built by hand rather than
// loaded from a file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("peerconfig: read %s: %s", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("peerconfig: parse %s: %s", path, err)
	}
	return c.applyDefaults(), nil
}

// Package runconfig loads the optional run profile. A profile provides
// defaults for flags, it never overrides what is given explicitly on
// the command line, and it is only ever read from a path the user named.
package runconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// WriteConfig holds defaults for the write subcommand.
type WriteConfig struct {
	PersistentSize string `json:"persistent-size,omitempty" toml:"persistent-size"`
	Offline        string `json:"offline,omitempty" toml:"offline"`
	PacmanCache    string `json:"pacman-cache,omitempty" toml:"pacman-cache"`
	Progress       string `json:"progress,omitempty" toml:"progress"`
}

// OfflineRepoConfig holds defaults for the gen-offline-repo subcommand
// and for inline repo builds during write.
type OfflineRepoConfig struct {
	Packages        []string `json:"packages,omitempty" toml:"packages"`
	Output          string   `json:"output,omitempty" toml:"output"`
	PacmanCache     string   `json:"pacman-cache,omitempty" toml:"pacman-cache"`
	SourceDateEpoch *int64   `json:"source-date-epoch,omitempty" toml:"source-date-epoch"`
}

type Config struct {
	Write       WriteConfig       `json:"write,omitempty" toml:"write"`
	OfflineRepo OfflineRepoConfig `json:"offline-repo,omitempty" toml:"offline-repo"`
}

var osStdin = os.Stdin

func decodeJSON(r io.Reader, what string) (*Config, error) {
	content, err := io.ReadAll(r)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("cannot read %q: %w", what, err)
	}

	dec := json.NewDecoder(bytes.NewBuffer(content))
	dec.DisallowUnknownFields()

	var conf Config
	if err := dec.Decode(&conf); err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", what, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("multiple configuration objects or extra data found in %q", what)
	}
	return &conf, nil
}

func decodeTOML(r io.Reader, what string) (*Config, error) {
	dec := toml.NewDecoder(r)

	var conf Config
	metadata, err := dec.Decode(&conf)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %q: %w", what, err)
	}
	if len(metadata.Undecoded()) > 0 {
		return nil, fmt.Errorf("cannot decode %q: unknown keys found: %v", what, metadata.Undecoded())
	}
	return &conf, nil
}

// Load reads the profile at path, "-" reads JSON from stdin and an
// empty path yields an empty profile.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	var fp *os.File
	var err error
	if path == "-" {
		fp = osStdin
	} else {
		fp, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		// nolint:errcheck
		defer fp.Close()
	}

	switch {
	case path == "-", filepath.Ext(path) == ".json":
		return decodeJSON(fp, path)
	case filepath.Ext(path) == ".toml":
		return decodeTOML(fp, path)
	default:
		return nil, fmt.Errorf("unsupported file extension for %q", path)
	}
}

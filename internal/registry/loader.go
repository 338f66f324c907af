package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"bitpart/internal/domain"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a bot definition file. YAML (.yaml, .yml) and
// JSON with comments (.json, .jsonc) are accepted; flows keep whatever
// structure the file gives them.
func ParseDefinition(name string, data []byte) (domain.BotConfig, error) {
	var cfg domain.BotConfig
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", name, err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", name, err)
		}
		data = raw
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	default:
		return cfg, fmt.Errorf("unsupported bot definition %s", name)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", name, err)
	}
	if cfg.ID == "" {
		cfg.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	return cfg, nil
}

// IsDefinitionFile reports whether name has a bot definition extension.
func IsDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains([]string{".yaml", ".yml", ".json", ".jsonc"}, ext)
}

// LoadDir upserts every bot definition found in dir. A missing directory is
// not an error; a broken file is logged and skipped. It returns the ids of
// the bots it added or changed.
func (r *Registry) LoadDir(ctx context.Context, dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		r.logger.Debug("bots directory does not exist, skipping", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bots dir: %w", err)
	}

	var changed []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !IsDefinitionFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("cannot read bot file", "path", path, "err", err)
			continue
		}
		cfg, err := ParseDefinition(entry.Name(), data)
		if err != nil {
			r.logger.Warn("cannot parse bot file", "path", path, "err", err)
			continue
		}
		wrote, err := r.Put(ctx, cfg)
		if err != nil {
			r.logger.Warn("cannot load bot", "path", path, "bot", cfg.ID, "err", err)
			continue
		}
		if wrote {
			r.logger.Info("loaded bot", "bot", cfg.ID, "path", path)
			changed = append(changed, cfg.ID)
		}
	}
	return changed, nil
}

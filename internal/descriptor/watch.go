// SPDX-License-Identifier: MIT

package descriptor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog format.
type File struct {
	Descriptors []string `yaml:"descriptors"`
}

// LoadFile reads a descriptor catalog from a YAML file.
func LoadFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse descriptor file %s: %w", path, err)
	}
	if len(f.Descriptors) == 0 {
		return nil, fmt.Errorf("descriptor file %s lists no descriptors", path)
	}
	return f.Descriptors, nil
}

// Watch loads the catalog file into the sampler and reloads it on every
// change until ctx is cancelled. The watch is registered on the directory
// because editors replace files rather than writing in place.
func Watch(ctx context.Context, path string, sampler *Sampler, logger zerolog.Logger) error {
	keys, err := LoadFile(path)
	if err != nil {
		return err
	}
	sampler.SetCatalog(keys)
	logger.Info().Str("path", path).Int("descriptors", len(keys)).Msg("descriptor catalog loaded")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start descriptor watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch descriptor directory: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				keys, err := LoadFile(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("descriptor reload failed, keeping previous catalog")
					continue
				}
				sampler.SetCatalog(keys)
				logger.Info().Str("path", path).Int("descriptors", len(keys)).Msg("descriptor catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("descriptor watcher error")
			}
		}
	}()
	return nil
}

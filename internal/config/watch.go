package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
)

// ChangeFunc receives the reloaded configuration, or the error that prevented reloading it.
type ChangeFunc func(cfg *OrchestratorConfig, err error)

// Watch reloads path whenever it is written and hands the result to fn.
// The file must exist when Watch is called.
func Watch(path string, fn ChangeFunc) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
	return nil
}

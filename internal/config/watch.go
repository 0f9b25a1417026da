package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher re-reads a config file whenever it is written and hands the new,
// validated Config to a callback. Invalid edits are logged and ignored.
type Watcher struct {
	fw       *fsnotify.Watcher
	v        *viper.Viper
	file     string
	onChange func(Config)
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// Watch starts watching the file v was configured with.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	file := v.ConfigFileUsed()
	if file == "" {
		return nil, fmt.Errorf("watch config: no config file set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := fw.Add(filepath.Dir(file)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config: %w", err)
	}
	w := &Watcher{
		fw:       fw,
		v:        v,
		file:     filepath.Clean(file),
		onChange: onChange,
		logger:   logger.With("component", "config"),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := FromViper(w.v)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous", "file", w.file, "err", err)
		return
	}
	w.logger.Info("config reloaded", "file", w.file)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fw.Close()
		<-w.done
	})
	return err
}

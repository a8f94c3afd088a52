package am

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadCallback receives each valid reloaded config. An error is logged and
// does not stop the remaining callbacks.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads one config file when it changes on disk.
// The parent directory is watched so editors that save by rename are seen.
// An invalid file is reported and the previous settings stay in effect.
type ConfigWatcher struct {
	path     string
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	applied   []byte // contents of the last file handed to callbacks

	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher watches configPath, which must exist
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fs.Add(filepath.Dir(configPath)); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory of %s", configPath)
	}

	return &ConfigWatcher{
		path:     filepath.Clean(configPath),
		fs:       fs,
		debounce: defaultDebounce,
		applied:  contents,
		done:     make(chan struct{}),
	}, nil
}

// Path is the watched config file
func (cw *ConfigWatcher) Path() string {
	return cw.path
}

// OnReload registers a callback for reloaded configs
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	cw.callbacks = append(cw.callbacks, callback)
	cw.mu.Unlock()
}

// Start processes file events in the background until Stop
func (cw *ConfigWatcher) Start() {
	go cw.run()
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.fs.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			logger.Debugw("Config file changed",
				"file", event.Name,
				"op", event.Op.String())
			cw.schedule()
		case err, ok := <-cw.fs.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// relevant reports writes to the watched file, including a rename onto it.
// Rotated backups live in the same directory and are ignored.
func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.path || isBackupFile(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

// schedule coalesces a burst of events into one reload
func (cw *ConfigWatcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			logger.Errorw("Config reload failed, keeping previous settings",
				"path", cw.path,
				logger.FieldError, err)
		}
	})
}

// reload validates the file and runs the callbacks when its contents changed
func (cw *ConfigWatcher) reload() error {
	contents, err := os.ReadFile(cw.path)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}

	cw.mu.Lock()
	unchanged := bytes.Equal(contents, cw.applied)
	cw.mu.Unlock()
	if unchanged {
		return nil
	}

	cfg, err := LoadFromFile(cw.path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}

	// Later Load calls in this process see the new file too
	Reset()

	cw.mu.Lock()
	cw.applied = contents
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	logger.Infow("Config reloaded", "path", cw.path, "callbacks", len(callbacks))
	for _, callback := range callbacks {
		if err := callback(cfg); err != nil {
			logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// Stop ends watching. Safe to call more than once.
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.done)
		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
		err = cw.fs.Close()
	})
	return err
}

// isBackupFile matches the .back1..back3 rotations written by SaveSettings
func isBackupFile(path string) bool {
	switch filepath.Ext(path) {
	case ".back1", ".back2", ".back3":
		return true
	}
	return false
}

package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// expireFormats are the timestamp layouts accepted in the directory file.
var expireFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

type fileStore struct {
	StoreID       string `yaml:"storeId"`
	StoreName     string `yaml:"storeName"`
	AppID         string `yaml:"appId"`
	LicenseExpire string `yaml:"licenseExpire"`
}

type fileDoc struct {
	Stores []fileStore `yaml:"stores"`
}

// FileDirectory serves the tenant table from a YAML file, reloading it when
// the file changes on disk.
type FileDirectory struct {
	path string
	log  *logrus.Entry

	mu     sync.RWMutex
	stores map[key]StoreInfo

	watcher  *fsnotify.Watcher
	done     chan struct{}
	debounce *time.Timer
}

// NewFileDirectory loads path and starts watching it for changes. The watch
// is on the containing directory because editors and deploy tools replace
// files by rename.
func NewFileDirectory(path string, log *logrus.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		path: path,
		log:  log.WithField("component", "tenant").WithField("file", path),
		done: make(chan struct{}),
	}
	if err := d.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating tenant file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching tenant directory: %w", err)
	}
	d.watcher = watcher
	go d.watch()
	return d, nil
}

func (d *FileDirectory) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("reading tenant file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing tenant file %s: %w", d.path, err)
	}

	stores := make(map[key]StoreInfo, len(doc.Stores))
	for _, s := range doc.Stores {
		if s.StoreID == "" || s.AppID == "" {
			d.log.WithField("store", s.StoreID).Warn("tenant entry missing storeId or appId, skipped")
			continue
		}
		expire, err := parseExpire(s.LicenseExpire)
		if err != nil {
			d.log.WithField("store", s.StoreID).WithField("error", err).
				Warn("tenant entry has unparseable licenseExpire, skipped")
			continue
		}
		stores[key{s.StoreID, s.AppID}] = StoreInfo{
			StoreID:       s.StoreID,
			StoreName:     s.StoreName,
			AppID:         s.AppID,
			LicenseExpire: expire,
		}
	}

	d.mu.Lock()
	d.stores = stores
	d.mu.Unlock()
	d.log.WithField("stores", len(stores)).Info("tenant directory loaded")
	return nil
}

func (d *FileDirectory) watch() {
	base := filepath.Base(d.path)
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce rapid changes.
			d.mu.Lock()
			if d.debounce != nil {
				d.debounce.Stop()
			}
			d.debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := d.load(); err != nil {
					d.log.WithField("error", err).Warn("tenant reload failed, keeping previous directory")
				}
			})
			d.mu.Unlock()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.WithField("error", err).Warn("tenant watcher error")
		}
	}
}

func (d *FileDirectory) lookup(storeID, appID string) *StoreInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if info, ok := d.stores[key{storeID, appID}]; ok {
		return &info
	}
	return nil
}

// Validate implements Service.
func (d *FileDirectory) Validate(_ context.Context, storeID, appID string) (Validation, error) {
	return evaluate(d.lookup(storeID, appID), time.Now()), nil
}

// DatabaseFor implements Service.
func (d *FileDirectory) DatabaseFor(_ context.Context, storeID, appID string) (string, bool, error) {
	if d.lookup(storeID, appID) == nil {
		return "", false, nil
	}
	return appID, true, nil
}

// HealthCheck implements Service.
func (d *FileDirectory) HealthCheck(_ context.Context) error {
	_, err := os.Stat(d.path)
	return err
}

// Close stops the watcher. Safe to call multiple times.
func (d *FileDirectory) Close() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
	}
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func parseExpire(s string) (time.Time, error) {
	for _, layout := range expireFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised licenseExpire %q", s)
}

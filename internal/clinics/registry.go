package clinics

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"pimssync/internal/pims"
)

// DefaultMode is the orchestrated mode of scheduled runs
const DefaultMode = "bidirectional"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Clinic is one PIMS tenant to synchronize
type Clinic struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseUrl"`
	Timezone string `yaml:"timezone"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Schedule string `yaml:"schedule"` // 5-field cron or descriptor, empty disables scheduled runs
	Mode     string `yaml:"mode"`
	Enabled  *bool  `yaml:"enabled"`

	location *time.Location
}

type clinicsFile struct {
	Clinics []Clinic `yaml:"clinics"`
}

// IsEnabled defaults to true when the flag is omitted
func (c Clinic) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Location returns the clinic timezone
func (c Clinic) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Credentials returns the PIMS login of the clinic
func (c Clinic) Credentials() pims.Credentials {
	return pims.Credentials{Username: c.Username, Password: c.Password}
}

// ClientConfig builds the remote client configuration of the clinic
func (c Clinic) ClientConfig(requestsPerSecond float64) pims.ClientConfig {
	return pims.ClientConfig{
		Provider:          c.Provider,
		BaseURL:           c.BaseURL,
		Location:          c.Location(),
		RequestsPerSecond: requestsPerSecond,
		Auth:              pims.DefaultAuthConfig(),
		Consultations:     pims.DefaultConsultationConfig(),
		Appointments:      pims.DefaultAppointmentsConfig(),
	}
}

func (c *Clinic) validate() error {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return fmt.Errorf("clinic id is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("clinic %s: provider is required", c.ID)
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("clinic %s: baseUrl must be an http(s) URL", c.ID)
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("clinic %s: username and password are required", c.ID)
	}

	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("clinic %s: invalid timezone %q: %w", c.ID, c.Timezone, err)
	}
	c.location = loc

	if c.Schedule != "" {
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			return fmt.Errorf("clinic %s: invalid schedule %q: %w", c.ID, c.Schedule, err)
		}
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	return nil
}

// Parse decodes a clinics file, expanding ${VAR} references from the environment
func Parse(data []byte) ([]Clinic, error) {
	expanded := os.ExpandEnv(string(data))

	var file clinicsFile
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("failed to parse clinics file: %w", err)
	}

	seen := make(map[string]bool, len(file.Clinics))
	for i := range file.Clinics {
		c := &file.Clinics[i]
		if err := c.validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate clinic id %s", c.ID)
		}
		seen[c.ID] = true
	}
	return file.Clinics, nil
}

// Registry holds the current clinic set and reloads it when the file changes
type Registry struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	clinics  map[string]Clinic
	onChange []func([]Clinic)
}

// NewRegistry loads path. A missing or invalid file is an error.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		debounce: 500 * time.Millisecond,
		clinics:  make(map[string]Clinic),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file. The previous set is kept when the new one is invalid.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read clinics file %s: %w", r.path, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}

	next := make(map[string]Clinic, len(parsed))
	for _, c := range parsed {
		next[c.ID] = c
	}

	r.mu.Lock()
	r.clinics = next
	listeners := append([]func([]Clinic){}, r.onChange...)
	r.mu.Unlock()

	all := r.All()
	for _, fn := range listeners {
		fn(all)
	}
	return nil
}

// OnChange registers fn to run after every successful reload
func (r *Registry) OnChange(fn func([]Clinic)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Get returns one clinic
func (r *Registry) Get(id string) (Clinic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clinics[id]
	return c, ok
}

// All returns every clinic ordered by id
func (r *Registry) All() []Clinic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Clinic, 0, len(r.clinics))
	for _, c := range r.clinics {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// Watch reloads the registry on file writes until ctx is done
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(r.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", r.path, err)
	}

	// Editors replace files on save, so watch the directory
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	log.Printf("👁️  [CLINICS] Watching %s for changes", r.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(r.debounce, func() {
				if err := r.Reload(); err != nil {
					log.Printf("❌ [CLINICS] Reload failed, keeping previous clinics: %v", err)
					return
				}
				log.Printf("🔄 [CLINICS] Reloaded %s", r.path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("⚠️  [CLINICS] File watcher error: %v", err)
		}
	}
}

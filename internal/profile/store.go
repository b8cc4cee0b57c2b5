package profile

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileProfile is the on-disk shape of one profile entry.
type fileProfile struct {
	Hostname       string  `yaml:"hostname"`
	Username       string  `yaml:"username"`
	Password       string  `yaml:"password"`
	PrivateKeyPath string  `yaml:"private_key_path"`
	Port           int     `yaml:"port"`
	SudoPassword   string  `yaml:"sudo_password"`
	Description    string  `yaml:"description"`
	AutoSudoFix    *bool   `yaml:"auto_sudo_fix"`
	Recovery       *bool   `yaml:"session_recovery"`
	TimeoutSeconds float64 `yaml:"default_timeout"`
}

// profilesFile is the on-disk shape of the whole profiles file.
type profilesFile struct {
	Profiles       map[string]fileProfile `yaml:"profiles"`
	DefaultProfile string                 `yaml:"default_profile"`
}

// Metadata describes the loaded profiles file.
type Metadata struct {
	FilePath      string    `json:"file_path"`
	FileSize      int64     `json:"file_size"`
	FileModified  time.Time `json:"file_modified"`
	TotalProfiles int       `json:"total_profiles"`
}

// Store loads and caches profiles from a YAML file. The file is re-read
// when its mtime advances past the last load; request paths otherwise hit
// the in-memory cache. The store never writes the file.
type Store struct {
	path           string
	defaultTimeout time.Duration

	mu             sync.RWMutex
	profiles       map[string]Profile
	defaultProfile string
	loadedAt       time.Time
	fileMtime      time.Time
}

// NewStore creates a Store for the given file and performs the initial load.
// defaultTimeout is used for profiles that do not set their own.
func NewStore(path string, defaultTimeout time.Duration) (*Store, error) {
	s := &Store{
		path:           path,
		defaultTimeout: defaultTimeout,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the profiles file unconditionally.
func (s *Store) Reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("stat profiles file %s: %w", s.path, err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read profiles file %s: %w", s.path, err)
	}

	var pf profilesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse profiles file %s: %w", s.path, err)
	}
	if len(pf.Profiles) == 0 {
		return fmt.Errorf("profiles file %s has no 'profiles' section", s.path)
	}

	profiles := make(map[string]Profile, len(pf.Profiles))
	for name, fp := range pf.Profiles {
		p, err := s.buildProfile(name, fp)
		if err != nil {
			return err
		}
		profiles[name] = p
	}
	if pf.DefaultProfile != "" {
		if _, ok := profiles[pf.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile %q does not exist in profiles file", pf.DefaultProfile)
		}
	}

	s.mu.Lock()
	s.profiles = profiles
	s.defaultProfile = pf.DefaultProfile
	s.loadedAt = time.Now()
	s.fileMtime = info.ModTime()
	s.mu.Unlock()

	log.Printf("Loaded %d profile(s) from %s", len(profiles), s.path)
	return nil
}

// buildProfile validates one file entry and converts it to a Profile.
func (s *Store) buildProfile(name string, fp fileProfile) (Profile, error) {
	if strings.TrimSpace(fp.Hostname) == "" {
		return Profile{}, fmt.Errorf("profile %q: hostname is required", name)
	}
	if strings.TrimSpace(fp.Username) == "" {
		return Profile{}, fmt.Errorf("profile %q: username is required", name)
	}
	if fp.Password == "" && fp.PrivateKeyPath == "" {
		return Profile{}, fmt.Errorf("profile %q: either password or private_key_path is required", name)
	}
	if fp.Password != "" && fp.PrivateKeyPath != "" {
		return Profile{}, fmt.Errorf("profile %q: password and private_key_path are mutually exclusive", name)
	}

	port := fp.Port
	if port == 0 {
		port = 22
	}
	if port < 0 || port > 65535 {
		return Profile{}, fmt.Errorf("profile %q: invalid port %d", name, fp.Port)
	}

	timeout := s.defaultTimeout
	if fp.TimeoutSeconds > 0 {
		timeout = time.Duration(fp.TimeoutSeconds * float64(time.Second))
	}

	autoFix := true
	if fp.AutoSudoFix != nil {
		autoFix = *fp.AutoSudoFix
	}
	recovery := true
	if fp.Recovery != nil {
		recovery = *fp.Recovery
	}

	return Profile{
		Name:           name,
		Hostname:       fp.Hostname,
		Username:       fp.Username,
		Password:       fp.Password,
		PrivateKeyPath: fp.PrivateKeyPath,
		Port:           port,
		SudoPassword:   fp.SudoPassword,
		Description:    fp.Description,
		AutoSudoFix:    autoFix,
		Recovery:       recovery,
		DefaultTimeout: timeout,
	}, nil
}

// maybeReload re-reads the file when its mtime has advanced since the last
// load. Errors are logged, not returned: a broken edit to the file must not
// take down request paths that can be served from the cached copy.
func (s *Store) maybeReload() {
	s.mu.RLock()
	lastMtime := s.fileMtime
	s.mu.RUnlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if !info.ModTime().After(lastMtime) {
		return
	}
	if err := s.Reload(); err != nil {
		log.Printf("WARNING: profiles file changed but reload failed: %v", err)
	}
}

// Resolve returns the full profile for the given name, including secrets.
// Returns ErrNotFound (with the available names in the message) when the
// name is absent.
func (s *Store) Resolve(name string) (Profile, error) {
	s.maybeReload()

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q (available: %s): %w",
			name, strings.Join(s.namesLocked(), ", "), ErrNotFound)
	}
	return p, nil
}

// List returns non-secret summaries of all profiles, sorted by name.
func (s *Store) List() []Summary {
	s.maybeReload()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, Summary{
			Name:            p.Name,
			Description:     p.Description,
			Port:            p.Port,
			AutoSudoFix:     p.AutoSudoFix,
			Recovery:        p.Recovery,
			TimeoutSeconds:  p.DefaultTimeout.Seconds(),
			HasPassword:     p.Password != "",
			HasPrivateKey:   p.PrivateKeyPath != "",
			HasSudoPassword: p.SudoPassword != "",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info returns the non-secret summary for a single profile.
func (s *Store) Info(name string) (Summary, error) {
	p, err := s.Resolve(name)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Name:            p.Name,
		Description:     p.Description,
		Port:            p.Port,
		AutoSudoFix:     p.AutoSudoFix,
		Recovery:        p.Recovery,
		TimeoutSeconds:  p.DefaultTimeout.Seconds(),
		HasPassword:     p.Password != "",
		HasPrivateKey:   p.PrivateKeyPath != "",
		HasSudoPassword: p.SudoPassword != "",
	}, nil
}

// DefaultProfile returns the configured default profile name, or "".
func (s *Store) DefaultProfile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultProfile
}

// Metadata returns information about the loaded profiles file.
func (s *Store) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md := Metadata{
		FilePath:      s.path,
		TotalProfiles: len(s.profiles),
	}
	if info, err := os.Stat(s.path); err == nil {
		md.FileSize = info.Size()
		md.FileModified = info.ModTime()
	}
	return md
}

// namesLocked returns the sorted profile names. Caller must hold s.mu.
func (s *Store) namesLocked() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

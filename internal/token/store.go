package token

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store owns the file-backed copy of the credential record. Besides the JSON
// token file it maintains a mirror of the access token inside a dotenv-style
// file so that external scripts (renewal tooling, the monitor's legacy
// consumers) can read the current token without going through the manager.
type Store struct {
	path    string
	envPath string
	envKey  string
	logger  *slog.Logger

	mu      sync.Mutex
	lastMod time.Time
	now     func() time.Time
}

// NewStore creates a store for the given token file. envPath/envKey may be
// empty to disable the mirror.
func NewStore(path, envPath, envKey string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    path,
		envPath: envPath,
		envKey:  envKey,
		logger:  logger,
		now:     time.Now,
	}
}

// Load reads the persisted record. A missing file yields a nil record, not
// an error; a corrupt file is logged and likewise treated as "no credential
// available" so the caller degrades instead of crashing.
func (s *Store) Load() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() *Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read token file",
				"component", "token.store",
				"path", s.path,
				"error", err,
			)
		}
		return nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("Failed to parse token file",
			"component", "token.store",
			"path", s.path,
			"error", err,
		)
		return nil
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}

	// Older token files written before creation tracking carry no
	// created_at; stamp them so the staleness math has something to work
	// with.
	if rec.CreatedAt == 0 {
		s.logger.Warn("Token file has no creation timestamp, stamping current time",
			"component", "token.store",
		)
		rec.CreatedAt = s.now().Unix()
		if err := s.save(&rec); err != nil {
			s.logger.Error("Failed to re-save stamped token",
				"component", "token.store",
				"error", err,
			)
		}
	}

	if rec.clampClockSkew(s.now()) {
		s.logger.Warn("Token creation timestamp is in the future, clamping to force renewal",
			"component", "token.store",
		)
	}

	return &rec
}

// Save persists the record atomically (temp file plus rename) and refreshes
// the env mirror. Mirror failures are logged, never raised: the token file
// is the source of truth.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(rec)
}

func (s *Store) save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace token file: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.lastMod = info.ModTime()
	}

	if err := s.mirrorEnv(rec.AccessToken); err != nil {
		s.logger.Error("Failed to update env mirror",
			"component", "token.store",
			"path", s.envPath,
			"error", err,
		)
	}

	s.logger.Info("Token saved",
		"component", "token.store",
		"expires_in", rec.ExpiresIn,
	)
	return nil
}

// Delete backs the token file up next to itself and removes it. Used as the
// last-resort recovery step: the next renewal will require a brand-new
// authorization-code exchange.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.path + ".bak"
	if err := os.Rename(s.path, backup); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to back up token file: %w", err)
	}
	s.lastMod = time.Time{}
	s.logger.Warn("Token file removed, manual authorization required",
		"component", "token.store",
		"backup", backup,
	)
	return nil
}

// ReloadIfChanged re-reads the token file when its modification time is
// newer than the last one seen. This is how an out-of-band renewal script
// hands a fresh token into a running process.
func (s *Store) ReloadIfChanged() (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, false
	}
	if !info.ModTime().After(s.lastMod) {
		return nil, false
	}
	s.logger.Info("Token file changed externally, reloading",
		"component", "token.store",
	)
	return s.load(), true
}

// mirrorEnv rewrites the configured KEY=value line (and its generation
// comment) in the env file, creating the file if necessary, and exports the
// same variable into the current process environment.
func (s *Store) mirrorEnv(accessToken string) error {
	if s.envPath == "" || s.envKey == "" || accessToken == "" {
		return nil
	}

	comment := fmt.Sprintf("# %s gerado em %s", s.envKey, s.now().Format("2006-01-02 15:04:05"))
	entry := fmt.Sprintf("%s=%s", s.envKey, accessToken)

	data, err := os.ReadFile(s.envPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read env file: %w", err)
	}

	var out []string
	prefix := s.envKey + "="
	commentPrefix := "# " + s.envKey + " "
	replaced := false
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, commentPrefix):
			// Old generation comment, dropped together with its pair.
		case strings.HasPrefix(line, prefix):
			if !replaced {
				out = append(out, comment, entry)
				replaced = true
			}
		default:
			out = append(out, line)
		}
	}
	if !replaced {
		// Trim trailing blank lines before appending the new pair.
		for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			out = out[:len(out)-1]
		}
		out = append(out, comment, entry)
	}

	content := strings.Join(out, "\n")
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(s.envPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	os.Setenv(s.envKey, accessToken)
	return nil
}

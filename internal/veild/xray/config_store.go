// Package xray owns both sides of the proxy boundary: the on-disk JSON
// configuration document (ConfigStore, the durable source of truth) and
// the running process's control surface (ControlClient, advisory only).
package xray

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
)

// errNoVlessInbound is the structural hard failure: no mutation can
// proceed without the VLESS inbound, and retrying cannot fix it.
var errNoVlessInbound = apperrors.NewConfigError(
	apperrors.ErrCodeInboundMissing, "VLESS inbound not found in xray config", false, nil)

// StoreConfig configures the ConfigStore.
type StoreConfig struct {
	// ConfigPath is the xray configuration file veild mutates.
	ConfigPath string
	// BinaryPath is the xray binary used for offline config checks.
	// Empty or missing binary means the check is skipped.
	BinaryPath string
	// TestTimeout bounds a single offline config check.
	TestTimeout time.Duration
	// DefaultFlow is the flow value stamped on new client entries.
	DefaultFlow string
}

// ConfigStore is the sole mutator of the xray configuration file. All
// writes go through load-modify-save with a backup taken before every
// overwrite. Serialization of concurrent mutations is the task queue's
// job, not the store's.
type ConfigStore struct {
	config StoreConfig
	logger *logger.Logger
}

// NewConfigStore creates a ConfigStore for the given file.
func NewConfigStore(config StoreConfig, log *logger.Logger) *ConfigStore {
	if config.TestTimeout <= 0 {
		config.TestTimeout = 10 * time.Second
	}
	if config.DefaultFlow == "" {
		config.DefaultFlow = "none"
	}
	return &ConfigStore{
		config: config,
		logger: log.WithComponent("xray.config"),
	}
}

// Load reads and parses the configuration file.
func (s *ConfigStore) Load() (Document, error) {
	data, err := os.ReadFile(s.config.ConfigPath)
	if err != nil {
		return nil, apperrors.NewConfigError(
			apperrors.ErrCodeConfigUnreadable, "failed to read xray config", false, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, apperrors.NewConfigError(
			apperrors.ErrCodeConfigUnreadable, "failed to parse xray config", false, err)
	}
	return doc, nil
}

// SaveOptions controls which checks Save runs before overwriting.
type SaveOptions struct {
	Validate bool
	Test     bool
}

// DefaultSaveOptions runs both the structural check and the engine test.
func DefaultSaveOptions() SaveOptions {
	return SaveOptions{Validate: true, Test: true}
}

// Save writes the document to the configuration file. It validates the
// structure, offers the candidate to the xray binary's offline check,
// copies the current file to a sibling backup, then overwrites the real
// path. On any failure the original file is left untouched.
func (s *ConfigStore) Save(ctx context.Context, doc Document, opts SaveOptions) error {
	if opts.Validate {
		if ok, reason := doc.ValidateStructure(); !ok {
			return apperrors.NewConfigError(
				apperrors.ErrCodeConfigInvalid, "config failed structural validation: "+reason, false, nil)
		}
	}

	data, err := doc.Marshal()
	if err != nil {
		return apperrors.NewConfigError(
			apperrors.ErrCodeConfigSaveFailed, "failed to encode config", false, err)
	}

	if opts.Test {
		if ok, reason := s.testAgainstEngine(ctx, data); !ok {
			return apperrors.NewConfigError(
				apperrors.ErrCodeConfigTestFailed, "xray rejected candidate config: "+reason, false, nil)
		}
	}

	if err := s.backupCurrent(); err != nil {
		return apperrors.NewConfigError(
			apperrors.ErrCodeConfigSaveFailed, "failed to back up current config", true, err)
	}

	if err := os.WriteFile(s.config.ConfigPath, data, 0644); err != nil {
		return apperrors.NewConfigError(
			apperrors.ErrCodeConfigSaveFailed, "failed to write config", true, err)
	}

	s.logger.Debug("xray config saved", slog.String("path", s.config.ConfigPath))
	return nil
}

// testAgainstEngine writes the candidate to a private temp file and runs
// `xray -test -config <path>`. A missing binary means skip, not failure.
func (s *ConfigStore) testAgainstEngine(ctx context.Context, data []byte) (bool, string) {
	if s.config.BinaryPath == "" {
		return true, ""
	}
	if _, err := os.Stat(s.config.BinaryPath); err != nil {
		s.logger.Debug("xray binary not present, skipping config test",
			slog.String("binary", s.config.BinaryPath))
		return true, ""
	}

	tmp, err := os.CreateTemp("", "veil-xray-candidate-*.json")
	if err != nil {
		return false, fmt.Sprintf("failed to create temp config: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Sprintf("failed to write temp config: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Sprintf("failed to close temp config: %v", err)
	}

	testCtx, cancel := context.WithTimeout(ctx, s.config.TestTimeout)
	defer cancel()

	cmd := exec.CommandContext(testCtx, s.config.BinaryPath, "-test", "-config", tmp.Name())
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, strings.TrimSpace(string(output))
	}
	return true, ""
}

// backupCurrent copies the live config to a sibling .backup path. A
// missing live file (first run) is fine.
func (s *ConfigStore) backupCurrent() error {
	data, err := os.ReadFile(s.config.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	backupPath := s.config.ConfigPath + ".backup"
	return os.WriteFile(backupPath, data, 0644)
}

// BackupPath returns where Save places the pre-write copy.
func (s *ConfigStore) BackupPath() string {
	return s.config.ConfigPath + ".backup"
}

// EnsureShortID idempotently ensures the shared short ID is present in
// the VLESS inbound's Reality settings.
func (s *ConfigStore) EnsureShortID(ctx context.Context, shortID string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	changed, err := doc.EnsureShortID(shortID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.logger.Info("adding short ID to realitySettings", slog.String("short_id", shortID))
	return s.Save(ctx, doc, DefaultSaveOptions())
}

// AddUser adds a client entry for uuid and ensures the shared short ID
// is present, then saves. Adding an already-present UUID is a no-op
// success. An empty email gets a value derived from the UUID.
func (s *ConfigStore) AddUser(ctx context.Context, uuid, shortID, email string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	if email == "" {
		email = deriveEmail(uuid)
	}

	added, err := doc.AddClient(uuid, email, s.config.DefaultFlow)
	if err != nil {
		return err
	}

	ensured := false
	if shortID != "" {
		ensured, err = doc.EnsureShortID(shortID)
		if err != nil {
			return err
		}
	}

	if !added && !ensured {
		s.logger.Debug("user already present in config", slog.String("uuid", shorten(uuid)))
		return nil
	}

	if err := s.Save(ctx, doc, DefaultSaveOptions()); err != nil {
		return err
	}

	s.logger.Info("user added to xray config",
		slog.String("uuid", shorten(uuid)),
		slog.String("email", email))
	return nil
}

// RemoveUser filters the client entry for uuid out of the config and
// saves. The shared short ID is left in place: it belongs to every
// remaining key, so revoking one credential must never revoke it.
// Removing an absent UUID is a no-op success.
func (s *ConfigStore) RemoveUser(ctx context.Context, uuid, shortID string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}

	removed, err := doc.RemoveClient(uuid)
	if err != nil {
		return err
	}
	if !removed {
		s.logger.Debug("user not present in config, nothing to remove",
			slog.String("uuid", shorten(uuid)))
		return nil
	}

	if err := s.Save(ctx, doc, DefaultSaveOptions()); err != nil {
		return err
	}

	s.logger.Info("user removed from xray config", slog.String("uuid", shorten(uuid)))
	return nil
}

// deriveEmail builds the label xray sees for a client entry.
func deriveEmail(uuid string) string {
	return "user_" + shorten(uuid)
}

func shorten(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ConfigDir returns the directory holding the config file.
func (s *ConfigStore) ConfigDir() string {
	return filepath.Dir(s.config.ConfigPath)
}

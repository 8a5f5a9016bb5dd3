package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity is the locally persisted peer identity
type Identity struct {
	PeerID    string    `json:"peer_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StorageManager handles the client's local state directory
type StorageManager struct {
	logger       *zap.Logger
	baseDir      string
	downloadsDir string
}

// StorageConfig contains configuration for the storage manager
type StorageConfig struct {
	BaseDir string
}

// NewStorageManager creates a new StorageManager
func NewStorageManager(logger *zap.Logger, config StorageConfig) (*StorageManager, error) {
	baseDir, err := ResolveBaseDir(config.BaseDir)
	if err != nil {
		return nil, err
	}

	downloadsDir := filepath.Join(baseDir, "downloads")

	// Create directories if they don't exist
	for _, dir := range []string{baseDir, downloadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &StorageManager{
		logger:       logger,
		baseDir:      baseDir,
		downloadsDir: downloadsDir,
	}, nil
}

// ResolveBaseDir expands an empty or ~-prefixed directory against the user's home
func ResolveBaseDir(dir string) (string, error) {
	if dir != "" && !strings.HasPrefix(dir, "~") {
		return dir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	if dir == "" {
		return filepath.Join(homeDir, ".furyshare"), nil
	}
	return filepath.Join(homeDir, strings.TrimPrefix(dir, "~")), nil
}

// BaseDir returns the state directory
func (sm *StorageManager) BaseDir() string {
	return sm.baseDir
}

// DownloadsDir returns the default directory received files are saved to
func (sm *StorageManager) DownloadsDir() string {
	return sm.downloadsDir
}

// LoadOrCreateIdentity returns the persisted identity, generating one on first use
func (sm *StorageManager) LoadOrCreateIdentity(name string) (*Identity, error) {
	identityPath := filepath.Join(sm.baseDir, "identity.json")

	data, err := os.ReadFile(identityPath)
	switch {
	case err == nil:
		var identity Identity
		if err := json.Unmarshal(data, &identity); err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		if identity.PeerID == "" {
			return nil, fmt.Errorf("identity file %s has no peer id", identityPath)
		}
		if name != "" && name != identity.Name {
			identity.Name = name
			if err := sm.SaveIdentity(&identity); err != nil {
				return nil, err
			}
		}
		return &identity, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	identity := &Identity{
		PeerID:    uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := sm.SaveIdentity(identity); err != nil {
		return nil, err
	}

	sm.logger.Info("Generated new peer identity",
		zap.String("peer_id", identity.PeerID),
		zap.String("path", identityPath))

	return identity, nil
}

// SaveIdentity writes the identity to disk
func (sm *StorageManager) SaveIdentity(identity *Identity) error {
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize identity: %w", err)
	}

	identityPath := filepath.Join(sm.baseDir, "identity.json")
	if err := os.WriteFile(identityPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// SaveFile writes r into dir under name, picking a free name if one is taken.
// An empty dir means the downloads directory.
func (sm *StorageManager) SaveFile(dir, name string, r io.Reader) (string, error) {
	if dir == "" {
		dir = sm.downloadsDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "received-" + uuid.New().String()
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	var (
		out  *os.File
		path string
		err  error
	)
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path = filepath.Join(dir, candidate)
		out, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create output file: %w", err)
		}
	}
	defer out.Close()

	n, err := io.Copy(out, r)
	if err != nil {
		return "", fmt.Errorf("failed to write output file: %w", err)
	}

	sm.logger.Info("Saved received file",
		zap.String("path", path),
		zap.Int64("file_size", n))

	return path, nil
}

// Package catalog lists the detection models available to the pipeline. The
// catalog is read-only input: the surrounding UI selects from it, the
// pipeline never mutates it beyond the active-model bookmark.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/avianet/overlay-server/internal/logger"
)

// Model describes one deployable detection model.
type Model struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	UploadDate string `json:"uploadDate,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
}

// modelExtensions are the weight-file formats the platform recognizes.
var modelExtensions = map[string]bool{
	".pt":     true,
	".pth":    true,
	".onnx":   true,
	".tflite": true,
	".pb":     true,
}

const activeModelsFile = "active_models.json"

// Catalog scans a models directory and tracks the active selection.
type Catalog struct {
	dir string
}

// New creates a catalog over the given directory, creating it if missing.
func New(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create models directory: %w", err)
	}
	return &Catalog{dir: dir}, nil
}

// Dir returns the directory the catalog scans.
func (c *Catalog) Dir() string { return c.dir }

// List scans the directory and returns the recognized models, ordered by
// name. A file that cannot be stat'd is skipped, not fatal.
func (c *Catalog) List() ([]Model, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("scan models directory: %w", err)
	}

	models := make([]Model, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !modelExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warn("Catalog", "skipping model %s: %v", name, err)
			continue
		}
		models = append(models, Model{
			ID:         uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(),
			Name:       displayName(name),
			Path:       filepath.Join(c.dir, name),
			UploadDate: info.ModTime().Format("2006-01-02T15:04:05"),
			FileSize:   info.Size(),
		})
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	logger.Debug("Catalog", "found %d models in %s", len(models), c.dir)
	return models, nil
}

// Active returns the persisted active-model selection, empty when none was
// ever saved.
func (c *Catalog) Active() ([]Model, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, activeModelsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read active models: %w", err)
	}
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("decode active models: %w", err)
	}
	return models, nil
}

// SetActive persists the active-model selection.
func (c *Catalog) SetActive(models []Model) error {
	data, err := json.MarshalIndent(models, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.dir, activeModelsFile), data, 0o644); err != nil {
		return fmt.Errorf("write active models: %w", err)
	}
	return nil
}

// displayName cleans a weight filename for display: extension stripped,
// separators turned into spaces.
func displayName(filename string) string {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return name
}

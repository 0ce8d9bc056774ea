// Package archive persists completed resilience scenario reports as JSON
// files so a scenario's outcome survives process restarts.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/threadline-ai/threadline/internal/resilience"
)

var ErrNotFound = errors.New("report not found")

// Archive stores one JSON file per scenario under its base directory.
// Writes go through a temp file and rename, plus an flock, so concurrent
// writers and external readers never see a torn report.
type Archive struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*fileLock
}

// New creates an Archive rooted at basePath.
func New(basePath string) *Archive {
	return &Archive{
		basePath: basePath,
		locks:    make(map[string]*fileLock),
	}
}

func (a *Archive) reportPath(scenarioID string) string {
	return filepath.Join(a.basePath, "reports", scenarioID+".json")
}

// Save writes a scenario report, replacing any previous version.
func (a *Archive) Save(report resilience.Report) error {
	if report.ScenarioID == "" {
		return fmt.Errorf("report has no scenario id")
	}

	path := a.reportPath(report.ScenarioID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create reports directory: %w", err)
	}

	lock := a.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire report lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	// Write to temp file first, then rename (atomic operation)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename report: %w", err)
	}

	return nil
}

// Load reads a stored report by scenario id.
func (a *Archive) Load(scenarioID string) (resilience.Report, error) {
	var report resilience.Report

	data, err := os.ReadFile(a.reportPath(scenarioID))
	if err != nil {
		if os.IsNotExist(err) {
			return report, ErrNotFound
		}
		return report, fmt.Errorf("read report: %w", err)
	}

	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

// List returns the scenario ids of all stored reports.
func (a *Archive) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.basePath, "reports"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read reports directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete removes a stored report. Deleting an unknown id is not an error.
func (a *Archive) Delete(scenarioID string) error {
	path := a.reportPath(scenarioID)

	lock := a.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire report lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete report: %w", err)
	}
	return nil
}

func (a *Archive) getLock(path string) *fileLock {
	a.mu.Lock()
	defer a.mu.Unlock()

	lock, ok := a.locks[path]
	if !ok {
		lock = newFileLock(path)
		a.locks[path] = lock
	}
	return lock
}

package durable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileHistoryStore provides a file-based implementation of HistoryStore that
// persists each instance's history as a JSON-lines file, one event per line.
type FileHistoryStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileHistoryStore creates a new file-based store that saves histories
// to the specified directory.
func NewFileHistoryStore(basePath string) (*FileHistoryStore, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileHistoryStore{
		basePath: basePath,
	}, nil
}

// Append writes the event as one JSON line at the end of the instance's file.
func (f *FileHistoryStore) Append(ctx context.Context, instanceID string, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	file, err := os.OpenFile(f.filename(instanceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// The event must be on disk before the supervisor acts on it.
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history file: %w", err)
	}

	return nil
}

// Load retrieves the instance's history from its JSON-lines file.
func (f *FileHistoryStore) Load(ctx context.Context, instanceID string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
		}
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan history file: %w", err)
	}

	return events, nil
}

// Instances implements the InstanceLister interface for FileHistoryStore.
func (f *FileHistoryStore) Instances(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		ids = append(ids, entry.Name()[:len(entry.Name())-len(".jsonl")])
	}
	return ids, nil
}

// filename returns the full path for an instance's history file.
func (f *FileHistoryStore) filename(instanceID string) string {
	return filepath.Join(f.basePath, instanceID+".jsonl")
}

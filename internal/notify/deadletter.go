package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/barryq93/dbwatch/internal/alerting"
	"github.com/sirupsen/logrus"
)

// DeadLetterQueue spools alerts that could not be delivered as one JSON
// file each, named so that a lexical sort replays them oldest first.
type DeadLetterQueue struct {
	path   string
	mu     sync.Mutex
	logger logrus.FieldLogger
}

func NewDeadLetterQueue(path string, logger logrus.FieldLogger) (*DeadLetterQueue, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dlq := &DeadLetterQueue{
		path:   filepath.Join(path, "dead_letter"),
		logger: logger.WithField("component", "dead_letter"),
	}
	if err := os.MkdirAll(dlq.path, 0o755); err != nil {
		return nil, fmt.Errorf("create DLQ directory: %w", err)
	}
	return dlq, nil
}

func (dlq *DeadLetterQueue) Add(a alerting.Alert) error {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal DLQ alert: %w", err)
	}
	filename := filepath.Join(dlq.path, fmt.Sprintf("%020d_%s.json", time.Now().UnixNano(), a.ID))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("write DLQ alert: %w", err)
	}
	return nil
}

func (dlq *DeadLetterQueue) files() ([]string, error) {
	entries, err := os.ReadDir(dlq.path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (dlq *DeadLetterQueue) Len() int {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	names, err := dlq.files()
	if err != nil {
		return 0
	}
	return len(names)
}

// Drain replays spooled alerts through deliver, oldest first. A delivered
// alert is removed; the first delivery failure stops the pass and leaves
// the rest spooled. Unreadable files are dropped.
func (dlq *DeadLetterQueue) Drain(deliver func(alerting.Alert) error) (int, error) {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	names, err := dlq.files()
	if err != nil {
		return 0, fmt.Errorf("read DLQ directory: %w", err)
	}
	delivered := 0
	for _, name := range names {
		full := filepath.Join(dlq.path, name)
		data, err := os.ReadFile(full)
		if err != nil {
			dlq.logger.Errorf("Failed to read DLQ file %s: %v", name, err)
			continue
		}
		var a alerting.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			dlq.logger.Errorf("Failed to unmarshal DLQ alert %s: %v", name, err)
			_ = os.Remove(full)
			continue
		}
		if err := deliver(a); err != nil {
			return delivered, err
		}
		delivered++
		if err := os.Remove(full); err != nil {
			dlq.logger.Errorf("Failed to remove DLQ file %s: %v", name, err)
		}
	}
	return delivered, nil
}

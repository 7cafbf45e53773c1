package notify

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// FileNotifier appends messages to a newline-delimited JSON file. Used for
// informed-role audit trails
type FileNotifier struct {
	mu   sync.Mutex
	path string
}

// NewFileNotifier creates a notifier appending to the given path
func NewFileNotifier(path string) *FileNotifier {
	return &FileNotifier{path: path}
}

func (n *FileNotifier) Send(_ context.Context, msg Message) error {
	record := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"subject":    msg.Subject,
		"body":       msg.Body,
		"recipients": msg.Recipients,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(
		n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644,
	)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(append(line, '\n'))
	return err
}

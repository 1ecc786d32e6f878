package executor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"mnq-momentum-trader/internal/model"
)

// Journal appends paper trades as JSON lines. Records are never rewritten.
type Journal struct {
	mu   sync.Mutex
	path string
	file afero.File
	enc  *json.Encoder
}

// OpenJournal creates or opens the journal at path for appending.
func OpenJournal(fs afero.Fs, path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("paper journal dir: %w", err)
		}
	}
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open paper journal: %w", err)
	}
	return &Journal{path: path, file: file, enc: json.NewEncoder(file)}, nil
}

// Append writes one record and syncs it to storage.
func (j *Journal) Append(t model.PaperTrade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("paper journal %s is closed", j.path)
	}
	if err := j.enc.Encode(t); err != nil {
		return fmt.Errorf("append paper trade: %w", err)
	}
	return j.file.Sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadJournal loads every record of a journal file.
func ReadJournal(fs afero.Fs, path string) ([]model.PaperTrade, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var trades []model.PaperTrade
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var t model.PaperTrade
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, len(trades)+1, err)
		}
		trades = append(trades, t)
	}
	return trades, scanner.Err()
}

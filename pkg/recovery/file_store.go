package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore implements Store using a local directory: one JSON snapshot
// file and one append-only JSONL WAL file per execution. Grounded on the
// reference's store/ledger.FileLedger (single JSON file, load-on-open,
// save-on-write, injectable clock for deterministic tests).
type FileStore struct {
	dir   string
	mu    sync.Mutex
	clock func() time.Time
}

// NewFileStore opens (creating if needed) a directory-backed recovery
// store, for local development and tests.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recovery: failed to create store dir: %w", err)
	}
	return &FileStore{dir: dir, clock: time.Now}, nil
}

func (f *FileStore) snapshotPath(executionID string) string {
	return filepath.Join(f.dir, executionID+".snapshot.json")
}

func (f *FileStore) walPath(executionID string) string {
	return filepath.Join(f.dir, executionID+".wal.jsonl")
}

func (f *FileStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap.TakenAt = f.clock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("recovery: marshal snapshot: %w", err)
	}
	return os.WriteFile(f.snapshotPath(snap.ExecutionID), b, 0o600)
}

func (f *FileStore) LoadSnapshot(_ context.Context, executionID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.snapshotPath(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
		}
		return Snapshot{}, fmt.Errorf("recovery: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("recovery: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

type walLine struct {
	Seq        uint64         `json:"seq"`
	Kind       TransitionKind `json:"kind"`
	Payload    []byte         `json:"payload"`
	CRC        uint32         `json:"crc"`
	AppendedAt time.Time      `json:"appendedAt"`
}

func (f *FileStore) AppendWAL(_ context.Context, rec WALRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec.CRC = crc32.ChecksumIEEE(rec.Payload)
	rec.AppendedAt = f.clock()

	line := walLine{Seq: rec.Seq, Kind: rec.Kind, Payload: rec.Payload, CRC: rec.CRC, AppendedAt: rec.AppendedAt}
	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("recovery: marshal WAL record: %w", err)
	}

	fh, err := os.OpenFile(f.walPath(rec.ExecutionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("recovery: open WAL file: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("recovery: append WAL record: %w", err)
	}
	return fh.Sync()
}

func (f *FileStore) ReplayWAL(_ context.Context, executionID string, afterSeq uint64) ([]WALRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.walPath(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("recovery: read WAL file: %w", err)
	}

	var out []WALRecord
	dec := json.NewDecoder(bytes.NewReader(b))
	for {
		var line walLine
		if err := dec.Decode(&line); err != nil {
			break
		}
		if line.Seq <= afterSeq {
			continue
		}
		if crc32.ChecksumIEEE(line.Payload) != line.CRC {
			return nil, fmt.Errorf("recovery: WAL record seq %d failed CRC check for execution %s", line.Seq, executionID)
		}
		out = append(out, WALRecord{
			ExecutionID: executionID,
			Seq:         line.Seq,
			Kind:        line.Kind,
			Payload:     line.Payload,
			CRC:         line.CRC,
			AppendedAt:  line.AppendedAt,
		})
	}
	return out, nil
}

func (f *FileStore) ListNonTerminal(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("recovery: list store dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		const suffix = ".snapshot.json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			executionID := name[:len(name)-len(suffix)]
			b, err := os.ReadFile(filepath.Join(f.dir, name))
			if err != nil {
				continue
			}
			var snap Snapshot
			if err := json.Unmarshal(b, &snap); err != nil {
				continue
			}
			if snap.Execution != nil && !snap.Execution.Terminal() {
				ids = append(ids, executionID)
			}
		}
	}
	return ids, nil
}

func (f *FileStore) Close() error { return nil }

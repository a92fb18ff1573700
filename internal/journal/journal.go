// Package journal keeps a best-effort on-disk record of relay traffic:
// every routed message as a compressed JSONL stream, plus each roster the
// backend returned after a presence change. Journal failures never affect
// message delivery; the relay logs them and keeps serving.
package journal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

const (
	messagesFileName = "messages.jsonl.sz"
	rostersFileName  = "rosters.jsonl.zst"
	manifestFileName = "manifest.json"
)

// Manifest describes the journal bundle layout so offline tooling can locate
// the artefacts without guessing file names.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	MessagesPath string `json:"messages_path"`
	RostersPath  string `json:"rosters_path"`
}

// Stats summarises journal activity for the ops endpoints.
type Stats struct {
	Messages uint64
	Rosters  uint64
}

// Journal streams traffic records into a per-run directory. A nil *Journal is
// valid and drops everything, so callers never branch on whether journalling
// is enabled.
type Journal struct {
	mu  sync.Mutex
	dir string
	now func() time.Time

	messageFile   *os.File
	messageStream *snappy.Writer
	rosterFile    *os.File
	rosterStream  *zstd.Encoder

	messages uint64
	rosters  uint64
}

// Open prepares a timestamped journal directory under root and opens the
// compressed sinks. The manifest is written eagerly so a crashed run still
// leaves a readable bundle description.
func Open(root string, clock func() time.Time) (*Journal, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	created := clock().UTC()
	dir := filepath.Join(root, created.Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	messageFile, err := os.Create(filepath.Join(dir, messagesFileName))
	if err != nil {
		return nil, Manifest{}, err
	}
	messageStream := snappy.NewBufferedWriter(messageFile)

	rosterFile, err := os.Create(filepath.Join(dir, rostersFileName))
	if err != nil {
		messageStream.Close()
		messageFile.Close()
		return nil, Manifest{}, err
	}
	rosterStream, err := zstd.NewWriter(rosterFile)
	if err != nil {
		messageStream.Close()
		messageFile.Close()
		rosterFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:      1,
		CreatedAt:    created.Format(time.RFC3339Nano),
		MessagesPath: messagesFileName,
		RostersPath:  rostersFileName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, manifestFileName), data, 0o644)
	}
	if err != nil {
		rosterStream.Close()
		rosterFile.Close()
		messageStream.Close()
		messageFile.Close()
		return nil, Manifest{}, err
	}

	return &Journal{
		dir:           dir,
		now:           clock,
		messageFile:   messageFile,
		messageStream: messageStream,
		rosterFile:    rosterFile,
		rosterStream:  rosterStream,
	}, manifest, nil
}

// Directory exposes the directory backing this journal run.
func (j *Journal) Directory() string {
	if j == nil {
		return ""
	}
	return j.dir
}

// RecordMessage appends one routed message to the compressed message log.
// direction names the routing leg ("device-log", "relay", "broadcast"); the
// payload is stored base64-encoded so arbitrary frames survive JSONL framing.
func (j *Journal) RecordMessage(direction, connID, deviceID string, payload []byte) error {
	if j == nil || len(payload) == 0 {
		return nil
	}
	captured := j.now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.messageStream == nil {
		return fmt.Errorf("journal closed")
	}
	record := struct {
		CapturedAt string `json:"captured_at"`
		Direction  string `json:"direction"`
		ConnID     string `json:"conn_id"`
		DeviceID   string `json:"device_id,omitempty"`
		PayloadB64 string `json:"payload_b64"`
	}{
		CapturedAt: captured.Format(time.RFC3339Nano),
		Direction:  direction,
		ConnID:     connID,
		DeviceID:   deviceID,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := j.messageStream.Write(append(line, '\n')); err != nil {
		return err
	}
	j.messages++
	return nil
}

// RecordRoster appends the roster returned by a successful status sync.
func (j *Journal) RecordRoster(deviceID string, online bool, roster json.RawMessage) error {
	if j == nil {
		return nil
	}
	captured := j.now().UTC()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rosterStream == nil {
		return fmt.Errorf("journal closed")
	}
	record := struct {
		CapturedAt string          `json:"captured_at"`
		DeviceID   string          `json:"device_id"`
		Online     bool            `json:"online"`
		Roster     json.RawMessage `json:"roster"`
	}{
		CapturedAt: captured.Format(time.RFC3339Nano),
		DeviceID:   deviceID,
		Online:     online,
		Roster:     roster,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := j.rosterStream.Write(append(line, '\n')); err != nil {
		return err
	}
	j.rosters++
	return nil
}

// Stats reports how many records this run has journalled.
func (j *Journal) Stats() Stats {
	if j == nil {
		return Stats{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{Messages: j.messages, Rosters: j.rosters}
}

// Flush pushes buffered data through both compressors to disk.
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.messageStream == nil {
		return fmt.Errorf("journal closed")
	}
	if err := j.messageStream.Flush(); err != nil {
		return err
	}
	return j.rosterStream.Flush()
}

// Close flushes and releases both sinks. Further records are rejected.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.messageStream == nil {
		return nil
	}
	var firstErr error
	if err := j.messageStream.Close(); err != nil {
		firstErr = err
	}
	if err := j.messageFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.rosterStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := j.rosterFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	j.messageStream = nil
	j.rosterStream = nil
	return firstErr
}

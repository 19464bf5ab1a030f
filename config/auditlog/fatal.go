package auditlog

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/kastheco/prloom/config"
)

// FatalRecord is one line of a worktree's errors.jsonl: an error that stopped
// a plan rather than being retried away.
type FatalRecord struct {
	Timestamp time.Time `json:"ts"`
	PlanID    string    `json:"planId"`
	Stage     string    `json:"stage,omitempty"`
	TodoIndex int       `json:"todoIndex,omitempty"`
	Message   string    `json:"message"`
}

// AppendFatal appends a fatal record to the worktree's errors.jsonl. Failures
// here are returned so the caller can at least log them; the record itself is
// the last line of defence.
func AppendFatal(worktree string, rec FatalRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(config.WorktreeErrorsFile(worktree), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadFatals reads every record from a worktree's errors.jsonl. A missing
// file yields an empty slice.
func ReadFatals(worktree string) ([]FatalRecord, error) {
	data, err := os.ReadFile(config.WorktreeErrorsFile(worktree))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []FatalRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec FatalRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

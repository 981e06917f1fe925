package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"sitewright/internal/domain"
)

const FileName = "workflow_events.jsonl"

// maxLineBytes bounds one replayed record; longer lines are skipped.
const maxLineBytes = 8 << 20

// Sink is the durable backend of the event log.
type Sink interface {
	Append(ctx context.Context, project, run string, ev domain.Event) error
	// Replay calls fn for every decodable record in append order. A run with
	// no durable log is not an error.
	Replay(ctx context.Context, project, run string, fn func(domain.Event)) error
}

// FileSink appends one JSON line per event to
// <Dir>/<project>/<run>/workflow_events.jsonl. The file is never truncated.
type FileSink struct {
	Dir string
}

func (w FileSink) Path(project, run string) string {
	return filepath.Join(w.Dir, project, run, FileName)
}

func (w FileSink) Append(ctx context.Context, project, run string, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	path := w.Path(project, run)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w FileSink) Replay(ctx context.Context, project, run string, fn func(domain.Event)) error {
	f, err := os.Open(w.Path(project, run))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 64*1024)
	var line []byte
	oversized := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if len(line) > maxLineBytes {
				oversized = true
				line = line[:0]
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if !oversized {
			replayLine(line, fn)
		}
		if err != nil {
			return nil
		}
		line = line[:0]
		oversized = false
	}
}

// replayLine decodes one record; blank and malformed lines are skipped.
func replayLine(line []byte, fn func(domain.Event)) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev domain.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	fn(ev)
}

// Package journal implements the durable append-only event log and its
// two derived projections (tail window, per-day markdown).
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/model"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

// DefaultTailLimit is the default number of events kept in the tail
// window projection.
const DefaultTailLimit = 200

// Journal appends events to a durable log and maintains its derived
// projections. All exported methods are safe to call from multiple
// processes; in-process concurrent callers should still serialize
// through a single Journal value since the projection rewrite is not
// safe for concurrent in-process writers.
type Journal struct {
	ws        *workspace.Workspace
	tailLimit int
}

// New returns a Journal rooted at ws with the given tail window size (0
// selects DefaultTailLimit).
func New(ws *workspace.Workspace, tailLimit int) *Journal {
	if tailLimit <= 0 {
		tailLimit = DefaultTailLimit
	}
	return &Journal{ws: ws, tailLimit: tailLimit}
}

// Append atomically appends one JSON line to the journal, then
// best-effort updates the tail window and daily markdown projections.
// A LockTimeout error means nothing was written. Projection failures are
// logged and swallowed: the journal remains the source of truth.
func (j *Journal) Append(ev model.Event) error {
	if err := j.ws.EnsureDirs(); err != nil {
		return herrors.Wrap(herrors.NotFound, "journal.Append", err)
	}

	lock := newDirLock(j.ws.JournalLockDir())
	if err := lock.acquire("journal.Append"); err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			slog.Warn("journal_lock_release_failed", slog.String("error", err.Error()))
		}
	}()

	if err := appendLine(j.ws.JournalFile(), ev); err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "journal.Append", err)
	}

	if err := j.updateTailWindow(ev); err != nil {
		slog.Warn("journal_tail_projection_failed", slog.String("error", err.Error()))
	}
	if err := j.appendDaily(ev); err != nil {
		slog.Warn("journal_daily_projection_failed", slog.String("error", err.Error()))
	}

	return nil
}

// Read returns every event in the journal ordered by TsMs ascending; ties
// are broken by file offset (the order events already appear in the
// file), since sort.SliceStable preserves relative order for equal keys.
func (j *Journal) Read() ([]model.Event, error) {
	events, err := readEvents(j.ws.JournalFile())
	if err != nil {
		return nil, herrors.Wrap(herrors.NotFound, "journal.Read", err)
	}
	sort.SliceStable(events, func(a, b int) bool { return events[a].TsMs < events[b].TsMs })
	return events, nil
}

// RebuildProjections recomputes the tail window and per-day markdown
// from the journal alone. Daily files are written non-destructively into
// a scratch directory and then copied to sibling ".rebuilt.md" files so
// an operator can diff and reconcile before replacing the live files.
// Returns the number of events written per day.
func (j *Journal) RebuildProjections() (map[string]int, error) {
	events, err := j.Read()
	if err != nil {
		return nil, err
	}

	if err := rewriteTailWindow(j.ws.LastMessagesFile(), events, j.tailLimit); err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "journal.RebuildProjections", err)
	}

	byDay := map[string][]model.Event{}
	for _, ev := range events {
		day := dayFromTsMs(ev.TsMs)
		byDay[day] = append(byDay[day], ev)
	}

	rebuildDir := j.ws.RebuildDir()
	if err := os.MkdirAll(rebuildDir, 0o755); err != nil {
		return nil, herrors.Wrap(herrors.InvariantViolation, "journal.RebuildProjections", err)
	}

	counts := map[string]int{}
	for day, dayEvents := range byDay {
		scratchPath := filepath.Join(rebuildDir, day+".md")
		if err := writeDailyMarkdown(scratchPath, dayEvents); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "journal.RebuildProjections", err)
		}
		if err := copyFile(scratchPath, j.ws.RebuiltDailyFile(day)); err != nil {
			return nil, herrors.Wrap(herrors.InvariantViolation, "journal.RebuildProjections", err)
		}
		counts[day] = len(dayEvents)
	}

	return counts, nil
}

func (j *Journal) updateTailWindow(ev model.Event) error {
	existing, err := readEvents(j.ws.LastMessagesFile())
	if err != nil {
		return err
	}
	existing = append(existing, ev)
	if len(existing) > j.tailLimit {
		existing = existing[len(existing)-j.tailLimit:]
	}
	return rewriteTailWindow(j.ws.LastMessagesFile(), existing, j.tailLimit)
}

func (j *Journal) appendDaily(ev model.Event) error {
	day := dayFromTsMs(ev.TsMs)
	path := j.ws.DailyFile(day)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "- [%s@%s] %s\n", ev.Role, ev.Channel, ev.Message)
	return err
}

func dayFromTsMs(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}

func appendLine(path string, ev model.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func readEvents(path string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []model.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("journal: corrupt line in %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

func rewriteTailWindow(path string, events []model.Event, tailLimit int) error {
	if len(events) > tailLimit {
		events = events[len(events)-tailLimit:]
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeDailyMarkdown(path string, events []model.Event) error {
	sort.SliceStable(events, func(a, b int) bool { return events[a].TsMs < events[b].TsMs })

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, ev := range events {
		if _, err := fmt.Fprintf(f, "- [%s@%s] %s\n", ev.Role, ev.Channel, ev.Message); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

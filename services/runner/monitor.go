package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"tuned/pkg/jsonl"
)

// DefaultPollInterval is how often the monitor samples the training log for
// new output.
const DefaultPollInterval = 2 * time.Second

// Monitor tails a run's training log, extracts metric lines, streams them as
// JSONL records, and keeps the run's progress column current. It reads only
// bytes appended since the previous poll and never re-parses old output.
//
// A monitor failure never fails the run: the error is appended to the run's
// log stream and the monitor exits while training continues undisturbed.
type Monitor struct {
	ORM         *gorm.DB
	RunID       uuid.UUID
	LogsPath    string
	MetricsPath string
	Interval    time.Duration
	Log         *LogWriter
	Logger      *log.Logger

	offset  int64
	records int64
}

// Run polls until ctx is cancelled, then drains whatever the training
// process wrote before the cancellation and returns nil. A poll failure ends
// monitoring: the error lands in the run's log stream and is returned.
func (m *Monitor) Run(ctx context.Context) error {
	if m.ORM == nil {
		return errors.New("nil orm")
	}
	if m.Interval <= 0 {
		m.Interval = DefaultPollInterval
	}
	if m.Logger == nil {
		m.Logger = log.Default()
	}
	if m.MetricsPath == "" {
		m.MetricsPath = MetricsStreamPath(m.LogsPath)
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain so output racing the shutdown is not lost.
			// Cancellation is a clean exit even if the drain fails.
			if err := m.poll(context.Background()); err != nil {
				m.reportFailure(err)
			}
			return nil
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				m.reportFailure(err)
				return err
			}
		}
	}
}

// reportFailure records a monitoring error on the run's own log stream; the
// daemon log gets a copy for operators.
func (m *Monitor) reportFailure(err error) {
	m.warnf("poll: %v", err)
	if m.Log != nil {
		m.Log.Appendf("Monitoring error: %v", err)
	}
}

// poll reads the unseen tail of the log file and processes every complete
// line in it. A trailing partial line stays in the file for the next poll.
func (m *Monitor) poll(ctx context.Context) error {
	f, err := os.Open(m.LogsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if _, err := f.Seek(m.offset, io.SeekStart); err != nil {
		return err
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	end := bytes.LastIndexByte(chunk, '\n')
	if end < 0 {
		return nil
	}
	complete := chunk[:end+1]

	// The offset advances line by line, so a failure mid-batch never causes
	// already-streamed lines to be re-processed on a later poll.
	for len(complete) > 0 {
		lineEnd := bytes.IndexByte(complete, '\n') + 1
		line := string(bytes.TrimSpace(complete[:lineEnd]))
		if line != "" {
			if err := m.processLine(ctx, line); err != nil {
				return err
			}
		}
		m.offset += int64(lineEnd)
		complete = complete[lineEnd:]
	}
	return nil
}

func (m *Monitor) processLine(ctx context.Context, line string) error {
	match := ParseMetricLine(line)
	if match.Kind == NoMatch {
		return nil
	}

	record := make(map[string]any, len(match.Fields)+2)
	for k, v := range match.Fields {
		record[k] = v
	}
	if _, ok := record["timestamp"]; !ok {
		record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := record["step"]; !ok {
		// Heuristic lines may carry no counter; the running record count
		// keeps the stream ordered anyway.
		record["step"] = m.records
	}
	// Progress goes first: its monotonic guard makes a repeat harmless,
	// while a duplicated stream append would not be.
	if p, ok := record["progress"].(float64); ok {
		if err := m.updateProgress(ctx, p); err != nil {
			return err
		}
	}

	if err := jsonl.AppendLine(m.MetricsPath, record); err != nil {
		return err
	}
	m.records++
	return nil
}

// updateProgress persists progress with a monotonic guard, so late or
// out-of-order lines can never move a run backwards.
func (m *Monitor) updateProgress(ctx context.Context, progress float64) error {
	if progress < 0 || progress > 1 {
		m.warnf("ignoring out-of-range progress %v", progress)
		return nil
	}
	return m.ORM.WithContext(ctx).
		Model(&runModel{}).
		Where("id = ? AND progress < ?", m.RunID, progress).
		Update("progress", progress).Error
}

func (m *Monitor) warnf(format string, args ...any) {
	m.Logger.Printf("WARN [RUN %s] monitor: "+format, append([]any{m.RunID}, args...)...)
}

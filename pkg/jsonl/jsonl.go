package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Options controls how malformed lines are handled while reading.
type Options struct {
	// Strict makes ReadFile fail on the first malformed line instead of
	// skipping it.
	Strict bool
}

// Result carries the parsed records plus the number of lines skipped.
type Result struct {
	Records []map[string]any
	Skipped int
}

// Training frameworks emit bare NaN tokens for missing test metrics, which
// encoding/json rejects. Normalise them to null before decoding.
var nanToken = regexp.MustCompile(`\bNaN\b`)

// ReadFile reads a newline-delimited JSON file into a list of objects.
// Blank lines are ignored. Malformed lines are skipped and counted unless
// opts.Strict is set, in which case the first one aborts the read.
func ReadFile(path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	var res Result

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		record, err := decodeObject(line)
		if err != nil {
			if opts.Strict {
				return Result{}, fmt.Errorf("line %d: %w", lineNum, err)
			}
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return Result{}, err
	}

	return res, nil
}

func decodeObject(line string) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err == nil {
		return record, nil
	}
	normalised := nanToken.ReplaceAllString(line, "null")
	var retry map[string]any
	if err := json.Unmarshal([]byte(normalised), &retry); err != nil {
		return nil, err
	}
	return retry, nil
}

// AppendLine marshals v and appends it as a single line to path, creating
// parent directories as needed.
func AppendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

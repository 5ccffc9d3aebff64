package runner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsTag is the marker token training processes prepend to structured
// metric lines: "[METRICS] step=100, loss=0.5, lr=0.0001".
const MetricsTag = "[METRICS]"

// MatchKind reports which extraction strategy produced a MetricMatch.
type MatchKind int

const (
	// NoMatch means the line carried nothing recognizable.
	NoMatch MatchKind = iota
	// TaggedMatch means the line carried the [METRICS] marker.
	TaggedMatch
	// HeuristicMatch means fields were extracted by pattern search.
	HeuristicMatch
)

// MetricMatch is the result of parsing one log line.
type MetricMatch struct {
	Kind   MatchKind
	Fields map[string]any
}

var metricLinesParsed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tuned_metric_lines_parsed_total",
	Help: "Log lines from which at least one metric field was extracted.",
}, []string{"strategy"})

var intKeys = map[string]bool{
	"step":   true,
	"tokens": true,
}

var floatKeys = map[string]bool{
	"loss":           true,
	"lr":             true,
	"progress":       true,
	"train_mean_nll": true,
	"learning_rate":  true,
}

var (
	lossPattern     = regexp.MustCompile(`(?i)loss[:=]\s*([0-9.]+)`)
	stepPattern     = regexp.MustCompile(`(?i)step[:=]\s*([0-9]+)`)
	lrPattern       = regexp.MustCompile(`(?i)learning.rate[:=]\s*([0-9.e-]+)`)
	progressPattern = regexp.MustCompile(`(?i)progress\s+([0-9.]+)`)
)

// ParseMetricLine extracts structured metrics from one log line. The tagged
// fast path wins when the [METRICS] marker is present; otherwise a heuristic
// pattern search runs on lines that look metric-bearing. A failed field
// never aborts extraction of the remaining fields.
func ParseMetricLine(line string) MetricMatch {
	if strings.Contains(line, MetricsTag) {
		if fields := parseTagged(line); len(fields) > 0 {
			metricLinesParsed.WithLabelValues("tagged").Inc()
			return MetricMatch{Kind: TaggedMatch, Fields: fields}
		}
		return MetricMatch{Kind: NoMatch}
	}

	lower := strings.ToLower(line)
	if !strings.Contains(lower, "loss") && !strings.Contains(lower, "step") &&
		!strings.Contains(lower, "learning rate") && !strings.Contains(lower, "learning_rate") &&
		!strings.Contains(lower, "progress") {
		return MetricMatch{Kind: NoMatch}
	}

	if fields := parseHeuristic(line); len(fields) > 0 {
		metricLinesParsed.WithLabelValues("heuristic").Inc()
		return MetricMatch{Kind: HeuristicMatch, Fields: fields}
	}
	return MetricMatch{Kind: NoMatch}
}

// parseTagged splits the section after the marker on commas, then each
// segment on the first '='. Malformed segments are skipped individually.
func parseTagged(line string) map[string]any {
	_, rest, ok := strings.Cut(line, MetricsTag)
	if !ok {
		return nil
	}

	fields := make(map[string]any)
	for _, segment := range strings.Split(strings.TrimSpace(rest), ",") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}

		switch {
		case intKeys[key]:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			fields[key] = int64(f)
		case floatKeys[key]:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				continue
			}
			fields[key] = f
		default:
			fields[key] = value
		}
	}
	return fields
}

// parseHeuristic runs the independent pattern searches. Absence of a pattern
// simply omits that key.
func parseHeuristic(line string) map[string]any {
	fields := make(map[string]any)

	if m := lossPattern.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields["train_mean_nll"] = f
		}
	}
	if m := stepPattern.FindStringSubmatch(line); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			fields["step"] = n
		}
	}
	if m := lrPattern.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields["learning_rate"] = f
		}
	}
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			fields["progress"] = f
		}
	}

	return fields
}

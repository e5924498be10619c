package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// CodeDetector flags scripts that reach for host access. It never blocks a
// run: the interpreter boundary is what enforces isolation. Detections are
// logged and counted so abuse shows up on dashboards.
type CodeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected patterns.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewCodeDetector creates a detector with default patterns.
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
// Line comments, trailing comments and --[[ ]] blocks are ignored.
func (d *CodeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	inBlock := false
	for i, line := range strings.Split(code, "\n") {
		line, inBlock = stripComments(line, inBlock)
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})
			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious code submitted")
		}
	}

	return detections
}

// stripComments returns the code part of line. inBlock reports whether the
// line starts inside a --[[ ]] comment; the second result is the same for the
// next line. String literals containing "--" are not special-cased.
func stripComments(line string, inBlock bool) (string, bool) {
	var b strings.Builder
	for len(line) > 0 {
		if inBlock {
			end := strings.Index(line, "]]")
			if end < 0 {
				return b.String(), true
			}
			line = line[end+2:]
			inBlock = false
			continue
		}
		start := strings.Index(line, "--")
		if start < 0 {
			b.WriteString(line)
			break
		}
		b.WriteString(line[:start])
		if !strings.HasPrefix(line[start+2:], "[[") {
			break
		}
		line = line[start+4:]
		inBlock = true
	}
	return b.String(), inBlock
}

// leakMarkers are strings that only appear in a transcript when a script
// reached host data.
var leakMarkers = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"root_access", "root:x:0:0", SeverityCritical},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"kernel_leak", "Linux version", SeverityHigh},
	{"env_leak", "DATABASE_URL=", SeverityHigh},
}

// AnalyzeOutput checks a transcript for host data that should never be reachable.
func (d *CodeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, m := range leakMarkers {
		if strings.Contains(output, m.substr) {
			detections = append(detections, Detection{
				Pattern:  m.name,
				Severity: m.sev.String(),
				Detail:   "host data in transcript: " + m.name,
			})
		}
	}
	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "shell_exec",
			Description: "Running a host command",
			Regex:       regexp.MustCompile(`\b(os\.execute|io\.popen)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "file_access",
			Description: "Opening host files",
			Regex:       regexp.MustCompile(`\bio\.(open|lines|input|output)\s*\(|\bos\.(remove|rename|tmpname)\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "native_load",
			Description: "Loading native code",
			Regex:       regexp.MustCompile(`\bpackage\.loadlib\b|\bffi\.(load|cdef)\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "dynamic_load",
			Description: "Compiling or loading code at runtime",
			Regex:       regexp.MustCompile(`\b(loadstring|loadfile|dofile)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "debug_library",
			Description: "Using the debug library to reach interpreter internals",
			Regex:       regexp.MustCompile(`\bdebug\.(getregistry|sethook|setupvalue|getupvalue|setlocal|setmetatable)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "env_tampering",
			Description: "Replacing function environments",
			Regex:       regexp.MustCompile(`\b(getfenv|setfenv)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "sensitive_path",
			Description: "Referencing host paths",
			Regex:       regexp.MustCompile(`/proc/self/|/etc/(passwd|shadow)|/var/run/docker`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Referencing the cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "busy_loop",
			Description: "Unconditional loop with an empty body",
			Regex:       regexp.MustCompile(`\bwhile\s+true\s+do\s+end\b|\brepeat\s+until\s+false\b`),
			Severity:    SeverityLow,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}

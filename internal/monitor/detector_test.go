package monitor

import (
	"testing"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewCodeDetector()

	tests := []struct {
		name         string
		code         string
		wantMinCount int // minimum number of detections
		wantPattern  string
	}{
		{"os.execute", `os.execute("rm -rf /")`, 1, "shell_exec"},
		{"io.popen", `local p = io.popen("id")`, 1, "shell_exec"},
		{"io.open", `local f = io.open("secrets.txt")`, 1, "file_access"},
		{"os.remove", `os.remove("x")`, 1, "file_access"},
		{"loadlib", `package.loadlib("libc.so", "system")`, 1, "native_load"},
		{"loadstring", `loadstring("return 1")()`, 1, "dynamic_load"},
		{"debug hook", `debug.sethook(function() end, "l")`, 1, "debug_library"},
		{"setfenv", `setfenv(1, {})`, 1, "env_tampering"},
		{"passwd", `print(read("/etc/passwd"))`, 1, "sensitive_path"},
		{"metadata service", `http.get("http://169.254.169.254/latest/")`, 1, "metadata_service"},
		{"busy loop", `while true do end`, 1, "busy_loop"},
		{"crypto miner", `connect("stratum+tcp://pool.mining.com")`, 1, "crypto_miner"},
		{"comment ignored", `-- os.execute("ls")`, 0, ""},
		{"trailing comment ignored", `print(1) -- io.open("x")`, 0, ""},
		{"block comment ignored", "--[[\nos.execute('id')\n]] print(1)", 0, ""},
		{"code after block comment", `--[[ note ]] os.execute("id")`, 1, "shell_exec"},
		{"clean code", `print("hello world")`, 0, ""},
		{"table named io", `local studio = {}; studio.open = 1`, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode(tt.code)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(dets) != 0 {
				t.Errorf("got detections for clean code: %v", dets)
				return
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestAnalyzeCode_LineNumbers(t *testing.T) {
	d := NewCodeDetector()
	dets := d.AnalyzeCode("print(1)\nprint(2)\nos.execute('id')")
	if len(dets) != 1 || dets[0].Line != 3 {
		t.Errorf("detections = %v, want one on line 3", dets)
	}
}

func TestStripComments(t *testing.T) {
	tests := []struct {
		line      string
		inBlock   bool
		want      string
		wantBlock bool
	}{
		{"print(1)", false, "print(1)", false},
		{"print(1) -- note", false, "print(1) ", false},
		{"a --[[ b ]] c", false, "a  c", false},
		{"a --[[ b", false, "a ", true},
		{"still comment", true, "", true},
		{"end ]] x = 1", true, " x = 1", false},
	}

	for _, tt := range tests {
		got, block := stripComments(tt.line, tt.inBlock)
		if got != tt.want || block != tt.wantBlock {
			t.Errorf("stripComments(%q, %v) = %q, %v; want %q, %v", tt.line, tt.inBlock, got, block, tt.want, tt.wantBlock)
		}
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewCodeDetector()

	tests := []struct {
		name         string
		output       string
		wantMinCount int
		wantSeverity string
	}{
		{"root access", "root:x:0:0:root:/root:/bin/bash", 1, "critical"},
		{"docker socket", "found: /var/run/docker.sock", 1, "critical"},
		{"env leak", "DATABASE_URL=postgres://", 1, "high"},
		{"clean output", "hello world\n42\n", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeOutput(tt.output)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantSeverity != "" && len(dets) > 0 {
				if dets[0].Severity != tt.wantSeverity {
					t.Errorf("severity = %q, want %q", dets[0].Severity, tt.wantSeverity)
				}
			}
		})
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityLow, "low"},
		{SeverityMedium, "medium"},
		{SeverityHigh, "high"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.sev.String(); got != tt.want {
				t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
			}
		})
	}
}

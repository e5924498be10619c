package transcript

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestSink_NewlineJoinsFragments(t *testing.T) {
	s := NewSink(0)
	for _, f := range []string{"one", "two", "three"} {
		if err := s.Append(f); err != nil {
			t.Fatalf("Append(%q): %v", f, err)
		}
	}

	if got, want := s.Freeze(), "one\ntwo\nthree"; got != want {
		t.Errorf("Freeze() = %q, want %q", got, want)
	}
}

func TestSink_EmptyFreeze(t *testing.T) {
	s := NewSink(0)
	if got := s.Freeze(); got != "" {
		t.Errorf("Freeze() = %q, want empty", got)
	}
}

func TestSink_AppendAfterFreeze(t *testing.T) {
	s := NewSink(0)
	_ = s.Append("before")
	first := s.Freeze()

	if err := s.Append("after"); !errors.Is(err, ErrFrozen) {
		t.Errorf("Append after Freeze = %v, want ErrFrozen", err)
	}
	if got := s.Freeze(); got != first {
		t.Errorf("second Freeze() = %q, want %q", got, first)
	}
}

func TestSink_Truncates(t *testing.T) {
	s := NewSink(10)
	_ = s.Append("0123456789abcdef")
	_ = s.Append("more")

	if !s.Truncated() {
		t.Error("Truncated() = false, want true")
	}
	if s.Len() != 10 {
		t.Errorf("Len() = %d, want 10", s.Len())
	}
	got := s.Freeze()
	if !strings.HasPrefix(got, "0123456789") || !strings.HasSuffix(got, truncatedSuffix) {
		t.Errorf("Freeze() = %q, want 10 bytes plus truncation marker", got)
	}
}

func TestSink_ConcurrentAppends(t *testing.T) {
	s := NewSink(0)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append("x")
		}()
	}
	wg.Wait()

	got := s.Freeze()
	if n := strings.Count(got, "x"); n != 50 {
		t.Errorf("got %d fragments, want 50", n)
	}
	if n := strings.Count(got, "\n"); n != 49 {
		t.Errorf("got %d separators, want 49", n)
	}
}

func TestJoin(t *testing.T) {
	if got := Join("out\n", "err\n"); got != "out\nerr\n" {
		t.Errorf("Join = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"under", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"over", "abcdef", 3, "abc" + truncatedSuffix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.max); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

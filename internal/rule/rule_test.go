package rule

import (
	"errors"
	"sync"
	"testing"
)

func writeReq(size uint64, flags Flags) *Attributes {
	return &Attributes{Direction: DirWrite, Flags: flags, Size: size}
}

func TestCompileAndMatch(t *testing.T) {
	file := &FileInfo{Size: 4096, Offset: 0, Extension: ".MP3", Directory: "/var/log/app/"}

	tests := []struct {
		expr  string
		attrs *Attributes
		want  bool
	}{
		{"unclassified", &Attributes{}, true},
		{"direction==write && flag==direct", writeReq(4096, FlagDirect), true},
		{"direction==write && flag==direct", writeReq(4096, 0), false},
		{"direction==write && flag==direct", &Attributes{Direction: DirRead, Flags: FlagDirect}, false},
		{"direct", writeReq(512, FlagDirect|FlagSync), true},
		{"direct&done", writeReq(512, 0), false},
		{"metadata&done", &Attributes{Flags: FlagMetadata}, true},
		{"io_direction:read", &Attributes{Direction: DirRead}, true},
		{"request_size:le:4096&done", writeReq(4096, 0), true},
		{"request_size:le:4096&done", writeReq(4097, 0), false},
		{"request_size>4096", writeReq(8192, 0), true},
		{"request_size:0x1000", writeReq(4096, 0), true},
		{"lba:ge:8", &Attributes{Offset: 8 * SectorSize}, true},
		{"lba:ge:8", &Attributes{Offset: 7 * SectorSize}, false},
		{"offset<1024", &Attributes{Offset: 1000}, true},
		{"file_size:le:4096&done", &Attributes{File: file}, true},
		{"file_size:le:4096&done", &Attributes{}, false},
		{"file_size:ne:1", &Attributes{}, false},
		{"extension:mp3", &Attributes{File: file}, true},
		{"extension!=mp3", &Attributes{File: file}, false},
		{"directory:/var/log", &Attributes{File: file}, true},
		{"directory:/var/lo", &Attributes{File: file}, false},
		{"directory:/", &Attributes{File: file}, true},
		{"request_size:lt:512|request_size:gt:65536", writeReq(100, 0), true},
		{"request_size:lt:512|request_size:gt:65536", writeReq(1000, 0), false},
		{"(direct|metadata)&direction==read", &Attributes{Direction: DirRead, Flags: FlagMetadata}, true},
		{"(direct|metadata)&direction==read", &Attributes{Direction: DirWrite, Flags: FlagMetadata}, false},
		{"flag!=direct", writeReq(1, FlagSync), true},
	}

	for _, tt := range tests {
		r, err := Compile(tt.expr)
		if err != nil {
			t.Errorf("Compile(%q) error: %v", tt.expr, err)
			continue
		}
		if got := r.Matches(tt.attrs); got != tt.want {
			t.Errorf("Compile(%q).Matches(%+v) = %v, want %v", tt.expr, tt.attrs, got, tt.want)
		}
	}
}

func TestCompileRejects(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"colour==red",
		"request_size:le:abc",
		"request_size:le:-1",
		"request_size:le:99999999999999999999999",
		"request_size:around:10",
		"request_size",
		"direction==sideways",
		"flag==turbo",
		"extension:lt:mp3",
		"directory:relative/path",
		"request_size>100 && request_size<50",
		"request_size:lt:0",
		"request_size:gt:18446744073709551615",
		"request_size==10&request_size!=10",
		"direction==read && direction==write",
		"direct && flag!=direct",
		"extension:mp3&extension:avi",
		"directory:/a&directory:/b",
		"directory:/a/b&directory!=/a",
		"offset>=1024 && lba<2",
		"lba:ge:4 && offset:lt:2048",
		"offset==1024 && lba!=2",
		"direct &&",
		"(direct",
		"direct)",
		"a = b",
		"request_size:le:",
	}
	for _, expr := range bad {
		_, err := Compile(expr)
		if err == nil {
			t.Errorf("Compile(%q) succeeded, want error", expr)
			continue
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Compile(%q) error %T is not *ParseError", expr, err)
		}
	}
}

func TestContradictionOnlyWithinConjunction(t *testing.T) {
	// The same bounds are fine when they are alternatives.
	if _, err := Compile("request_size<50 | request_size>100"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Compile("directory:/a/b&directory:/a"); err != nil {
		t.Fatalf("nested directories should be consistent: %v", err)
	}
	// lba 1 covers byte offsets 512..1023.
	r, err := Compile("offset>=1000 && lba<2")
	if err != nil {
		t.Fatalf("overlapping offset and lba bounds: %v", err)
	}
	if !r.Matches(&Attributes{Offset: 1020}) || r.Matches(&Attributes{Offset: 1024}) {
		t.Error("offset>=1000 && lba<2 should match exactly 1000..1023")
	}
	if _, err := Compile("offset<1024 | lba>=2"); err != nil {
		t.Fatalf("offset and lba alternatives: %v", err)
	}
}

func TestCatchAll(t *testing.T) {
	for _, expr := range []string{"unclassified", "unclassified&done", "done", "direct|unclassified"} {
		r := MustCompile(expr)
		if !r.IsCatchAll() {
			t.Errorf("%q should compile to the catch-all", expr)
		}
	}
	if !All().Matches(nil) {
		t.Error("All() must match even without attributes")
	}
	var zero Rule
	if zero.Matches(&Attributes{}) {
		t.Error("zero Rule must not match")
	}
}

func TestRuleStringKeepsSource(t *testing.T) {
	r := MustCompile("  file_size:le:4096&done ")
	if r.String() != "file_size:le:4096&done" {
		t.Errorf("unexpected source %q", r.String())
	}
}

func TestConcurrentMatches(t *testing.T) {
	r := MustCompile("direction==write && request_size>=4096")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				size := uint64(j * 8)
				want := size >= 4096
				if got := r.Matches(writeReq(size, 0)); got != want {
					t.Errorf("size %d: got %v want %v", size, got, want)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestCompilerCaches(t *testing.T) {
	c, err := NewCompiler(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compile("direct"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Compile(" direct "); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 cached rule, got %d", c.Len())
	}
	if _, err := c.Compile("colour==red"); err == nil {
		t.Fatal("expected error")
	}
	if c.Len() != 1 {
		t.Errorf("failed compilations must not be cached, got %d entries", c.Len())
	}
	c.Compile("metadata")
	c.Compile("request_size>1")
	if c.Len() != 2 {
		t.Errorf("cache should be bounded at 2, got %d", c.Len())
	}
}

func TestParseDirectionAndFlags(t *testing.T) {
	var d Direction
	if err := d.UnmarshalText([]byte("WRITE")); err != nil || d != DirWrite {
		t.Fatalf("UnmarshalText: %v %v", d, err)
	}
	if _, err := ParseDirection("up"); err == nil {
		t.Fatal("expected error")
	}
	f := FlagDirect | FlagMetadata
	if f.String() != "direct,metadata" {
		t.Errorf("unexpected flags string %q", f.String())
	}
}

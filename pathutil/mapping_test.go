package pathutil

import (
	"strings"
	"testing"
)

func TestToInternal(t *testing.T) {
	tests := []struct {
		name    string
		public  string
		want    string
		wantErr bool
	}{
		{name: "simple file", public: "/src/main.ts", want: "/app/src/main.ts"},
		{name: "root", public: "/", want: "/app"},
		{name: "missing leading slash", public: "src/main.ts", want: "/app/src/main.ts"},
		{name: "dot components collapse", public: "/src/./a/./b.ts", want: "/app/src/a/b.ts"},
		{name: "double slashes collapse", public: "//src//a.ts", want: "/app/src/a.ts"},
		{name: "dotdot rejected", public: "/src/../../etc/passwd", wantErr: true},
		{name: "dotdot at start rejected", public: "../etc/passwd", wantErr: true},
		{name: "bare dotdot rejected", public: "..", wantErr: true},
		{name: "empty rejected", public: "", wantErr: true},
		{name: "hidden dotdot segment rejected", public: "/a/../b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToInternal("/app", tt.public)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ToInternal(%q) expected error, got %q", tt.public, got)
				}
				if !strings.Contains(err.Error(), ErrPathEscapesRoot) {
					t.Errorf("ToInternal(%q) error = %v, want %s", tt.public, err, ErrPathEscapesRoot)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToInternal(%q) unexpected error: %v", tt.public, err)
			}
			if got != tt.want {
				t.Errorf("ToInternal(%q) = %q, want %q", tt.public, got, tt.want)
			}
		})
	}
}

func TestToRelative(t *testing.T) {
	tests := []struct {
		public string
		want   string
	}{
		{"/src/hello.txt", "src/hello.txt"},
		{"/", ""},
		{"/a/b/c", "a/b/c"},
	}
	for _, tt := range tests {
		got, err := ToRelative("/app", tt.public)
		if err != nil {
			t.Fatalf("ToRelative(%q) unexpected error: %v", tt.public, err)
		}
		if got != tt.want {
			t.Errorf("ToRelative(%q) = %q, want %q", tt.public, got, tt.want)
		}
	}

	if _, err := ToRelative("/app", "/../escape"); err == nil {
		t.Error("ToRelative with traversal expected error")
	}
}

func TestNormalizePublic(t *testing.T) {
	got, err := NormalizePublic("src//./a.ts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/src/a.ts" {
		t.Errorf("NormalizePublic = %q, want /src/a.ts", got)
	}
	if _, err := NormalizePublic("/a/../b"); err == nil {
		t.Error("NormalizePublic with .. expected error")
	}
}

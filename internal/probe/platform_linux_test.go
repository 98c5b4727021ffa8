//go:build linux

package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func fakeProcRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "self"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, "self", name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// ─── TracerPID ───────────────────────────────────────────────────────────────

func TestTracerPID(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		want    int
		wantErr bool
	}{
		{"not traced", "Name:\tapp\nState:\tR (running)\nTracerPid:\t0\nUid:\t1000\n", 0, false},
		{"traced", "Name:\tapp\nTracerPid:\t4242\n", 4242, false},
		{"absent", "Name:\tapp\nState:\tS (sleeping)\n", 0, true},
		{"garbage", "TracerPid:\tabc\n", 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := New(Options{ProcRoot: fakeProcRoot(t, map[string]string{"status": tc.status})})
			got, err := p.TracerPID()
			if (err != nil) != tc.wantErr {
				t.Fatalf("TracerPID() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("TracerPID() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestTracerPID_NoStatusFile(t *testing.T) {
	p := New(Options{ProcRoot: fakeProcRoot(t, nil)})
	if _, err := p.TracerPID(); err == nil {
		t.Error("expected error when status is missing")
	}
}

// ─── Memory maps ─────────────────────────────────────────────────────────────

func TestParseMapsLine(t *testing.T) {
	m, ok := parseMapsLine("7f1c2a000000-7f1c2a021000 r-xp 00000000 08:01 131 /usr/lib/libfrida-gadget.so")
	if !ok {
		t.Fatal("valid line rejected")
	}
	if m.Start != 0x7f1c2a000000 || m.End != 0x7f1c2a021000 || m.Perms != "r-xp" {
		t.Errorf("parsed = %+v", m)
	}
	if m.Path != "/usr/lib/libfrida-gadget.so" || !m.Executable() || m.Writable() {
		t.Errorf("parsed = %+v", m)
	}

	anon, ok := parseMapsLine("00400000-00401000 rwxp 00000000 00:00 0")
	if !ok || anon.Path != "" || !anon.Writable() || !anon.Executable() {
		t.Errorf("anonymous mapping = %+v, %v", anon, ok)
	}

	spaced, ok := parseMapsLine("1000-2000 r--p 00000000 08:01 7 /opt/my app/lib.so")
	if !ok || spaced.Path != "/opt/my app/lib.so" {
		t.Errorf("path with space = %q", spaced.Path)
	}

	for _, bad := range []string{"", "1000-2000 r--p", "nodash r--p 0 0 0", "zz-2000 r--p 0 0 0", "1000-yy r--p 0 0 0"} {
		if _, ok := parseMapsLine(bad); ok {
			t.Errorf("parseMapsLine(%q) accepted", bad)
		}
	}
}

func TestLoadedLibraries_FromMaps(t *testing.T) {
	maps := "" +
		"00400000-00452000 r-xp 00000000 08:01 1 /usr/bin/app\n" +
		"7f0000000000-7f0000001000 r-xp 00000000 08:01 2 /lib/x86_64-linux-gnu/libc.so.6\n" +
		"7f0000001000-7f0000002000 r--p 00001000 08:01 2 /lib/x86_64-linux-gnu/libc.so.6\n" +
		"7f0000003000-7f0000004000 r-xp 00000000 08:01 3 /data/local/tmp/frida-agent-64.so\n" +
		"7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0 [stack]\n" +
		"garbage line\n"
	p := New(Options{ProcRoot: fakeProcRoot(t, map[string]string{"maps": maps})})

	mappings, err := p.MemoryMappings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 5 {
		t.Errorf("MemoryMappings() = %d entries, want 5", len(mappings))
	}

	libs, err := p.LoadedLibraries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(libs) != 2 || libs[0] != "/lib/x86_64-linux-gnu/libc.so.6" || libs[1] != "/data/local/tmp/frida-agent-64.so" {
		t.Errorf("LoadedLibraries() = %v", libs)
	}
}

func TestIsSharedObject(t *testing.T) {
	cases := map[string]bool{
		"/usr/lib/libssl.so":          true,
		"/usr/lib/libssl.so.3":        true,
		"/usr/bin/app":                false,
		"[vdso]":                      false,
		"libfrida.so":                 false,
		"/opt/socket":                 false,
	}
	for path, want := range cases {
		if got := isSharedObject(path); got != want {
			t.Errorf("isSharedObject(%q) = %v, want %v", path, got, want)
		}
	}
}

// ─── Build properties ────────────────────────────────────────────────────────

func TestReadBuildProps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.prop")
	content := "# comment\n\nro.hardware=ranchu\nro.product.model = sdk_gphone64\nnot a prop\nro.build.fingerprint=google/sdk=x\n"
	os.WriteFile(path, []byte(content), 0o644)

	props, err := readBuildProps(path)
	if err != nil {
		t.Fatal(err)
	}
	if props["ro.hardware"] != "ranchu" || props["ro.product.model"] != "sdk_gphone64" {
		t.Errorf("props = %v", props)
	}
	if props["ro.build.fingerprint"] != "google/sdk=x" {
		t.Errorf("value with '=' = %q", props["ro.build.fingerprint"])
	}
	if len(props) != 3 {
		t.Errorf("props = %d entries, want 3", len(props))
	}

	if _, err := readBuildProps(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

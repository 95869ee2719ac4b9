package toolchain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/history"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/sandbox"
)

const triple = "x86_64-unknown-linux-gnu"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkdirs(t *testing.T, base string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(base, n), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestListInstalled(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir,
		"stable-"+triple,
		"nightly-2024-05-01-"+triple,
		"1.79.0-"+triple,
		"not-a-toolchain",
		"stable-aarch64-apple-darwin",
	)
	if err := os.WriteFile(filepath.Join(dir, "settings.toml"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := listInstalled(quietLogger(), dir, triple)
	if err != nil {
		t.Fatalf("listInstalled: %v", err)
	}
	want := []Toolchain{Dist{"1.79.0"}, Dist{"nightly-2024-05-01"}, Dist{"stable"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestListInstalled_OneRecognizedOneNot(t *testing.T) {
	dir := t.TempDir()
	mkdirs(t, dir, "beta-"+triple, "garbage")

	got, err := listInstalled(quietLogger(), dir, triple)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != (Dist{"beta"}) {
		t.Errorf("got %v, want [beta]", got)
	}
}

func TestListInstalled_MissingDir(t *testing.T) {
	got, err := ListInstalled(quietLogger(), filepath.Join(t.TempDir(), "nope"))
	if err != nil || len(got) != 0 {
		t.Errorf("got %v, %v; want empty, nil", got, err)
	}
}

func TestListInstalled_CustomSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	home := t.TempDir()
	sysroot := t.TempDir()
	if err := Install(context.Background(), nil, home, Custom{Name: "local-build", Path: sysroot}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, err := ListInstalled(quietLogger(), home)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != (Custom{Name: "local-build", Path: sysroot}) {
		t.Fatalf("got %v", got)
	}

	if err := Uninstall(context.Background(), nil, home, Custom{Name: "local-build"}); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := os.Stat(sysroot); err != nil {
		t.Errorf("uninstall removed the sysroot: %v", err)
	}
	if got, _ := ListInstalled(quietLogger(), home); len(got) != 0 {
		t.Errorf("after uninstall: %v", got)
	}
}

func TestInstall_CustomMissingPath(t *testing.T) {
	err := Install(context.Background(), nil, t.TempDir(), Custom{Name: "x", Path: "/does/not/exist"})
	var tcErr *Error
	if !errors.As(err, &tcErr) || tcErr.Op != "link" {
		t.Fatalf("err = %v, want link *Error", err)
	}
}

type fakeInstaller struct {
	home      string
	installs  []string
	uninstall []string
	err       error
}

func (f *fakeInstaller) Install(_ context.Context, name string) error {
	f.installs = append(f.installs, name)
	if f.err != nil {
		return f.err
	}
	return os.MkdirAll(filepath.Join(ToolchainsDir(f.home), name+"-"+HostTriple()), 0o755)
}

func (f *fakeInstaller) Uninstall(_ context.Context, name string) error {
	f.uninstall = append(f.uninstall, name)
	return os.RemoveAll(filepath.Join(ToolchainsDir(f.home), name+"-"+HostTriple()))
}

func TestInstall_Idempotent(t *testing.T) {
	home := t.TempDir()
	inst := &fakeInstaller{home: home}
	ctx := context.Background()

	for range 2 {
		if err := Install(ctx, inst, home, Main); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}
	if len(inst.installs) != 1 {
		t.Errorf("installer called %d times, want 1", len(inst.installs))
	}
	if !IsInstalled(home, Main) {
		t.Error("stable not reported as installed")
	}

	for range 2 {
		if err := Uninstall(ctx, inst, home, Main); err != nil {
			t.Fatalf("Uninstall: %v", err)
		}
	}
	if len(inst.uninstall) != 1 {
		t.Errorf("uninstaller called %d times, want 1", len(inst.uninstall))
	}
}

func TestInstall_WrapsInstallerError(t *testing.T) {
	inst := &fakeInstaller{home: t.TempDir(), err: errors.New("network down")}
	err := Install(context.Background(), inst, inst.home, Dist{"nightly"})
	var tcErr *Error
	if !errors.As(err, &tcErr) || tcErr.Toolchain != "nightly" || tcErr.Op != "install" {
		t.Fatalf("err = %v", err)
	}
}

func TestRunnablesSelectToolchain(t *testing.T) {
	tc := Dist{"nightly"}
	tests := []struct {
		bin  command.Runnable
		want string
	}{
		{tc.Cargo(), "cargo +nightly"},
		{tc.Rustc(), "rustc +nightly"},
		{tc.Proxy("rustdoc"), "rustdoc +nightly"},
		{Custom{Name: "dev"}.Cargo(), "cargo +dev"},
		{Rustup(), "rustup"},
	}
	for _, tt := range tests {
		got := command.New(nil, tt.bin).String()
		if got != tt.want {
			t.Errorf("command = %q, want %q", got, tt.want)
		}
		if !tt.bin.Managed() {
			t.Errorf("%s is not managed", tt.want)
		}
	}
}

func TestHostTriple(t *testing.T) {
	tests := []struct{ goos, goarch, want string }{
		{"linux", "amd64", "x86_64-unknown-linux-gnu"},
		{"linux", "arm64", "aarch64-unknown-linux-gnu"},
		{"darwin", "arm64", "aarch64-apple-darwin"},
		{"windows", "amd64", "x86_64-pc-windows-msvc"},
	}
	for _, tt := range tests {
		if got := hostTriple(tt.goos, tt.goarch); got != tt.want {
			t.Errorf("hostTriple(%s, %s) = %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

// stubWorkspace is the minimal command.Workspace RustupInstaller needs.
type stubWorkspace struct{ root string }

func (w stubWorkspace) CargoHome() string                            { return filepath.Join(w.root, "cargo-home") }
func (w stubWorkspace) RustupHome() string                           { return filepath.Join(w.root, "rustup-home") }
func (w stubWorkspace) CommandTimeout() time.Duration                { return time.Minute }
func (w stubWorkspace) CommandNoOutputTimeout() time.Duration        { return 0 }
func (w stubWorkspace) SandboxImage() *sandbox.Image                 { return nil }
func (w stubWorkspace) Runtime() sandbox.Runtime                     { return nil }
func (w stubWorkspace) Logger() *slog.Logger                         { return quietLogger() }
func (w stubWorkspace) Observability() *observability.Observability { return nil }
func (w stubWorkspace) History() history.Recorder                    { return nil }

func TestRustupInstaller(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as rustup")
	}
	ws := stubWorkspace{root: t.TempDir()}
	bin := filepath.Join(ws.CargoHome(), "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	logFile := filepath.Join(ws.root, "calls")
	script := "#!/bin/sh\necho \"$@\" >> " + logFile + "\n"
	if err := os.WriteFile(filepath.Join(bin, "rustup"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	inst := NewRustupInstaller(ws)
	ctx := context.Background()
	if err := inst.Install(ctx, "nightly"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := inst.AddComponent(ctx, Dist{"nightly"}, "clippy"); err != nil {
		t.Fatalf("AddComponent: %v", err)
	}
	if err := AddTarget(ctx, inst, Dist{"nightly"}, "wasm32-unknown-unknown"); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	if err := inst.Uninstall(ctx, "nightly"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	want := "toolchain install nightly --profile minimal\n" +
		"component add --toolchain nightly clippy\n" +
		"target add --toolchain nightly wasm32-unknown-unknown\n" +
		"toolchain uninstall nightly\n"
	if string(data) != want {
		t.Errorf("rustup calls:\n%s\nwant:\n%s", data, want)
	}
}

type plainInstaller struct{}

func (plainInstaller) Install(context.Context, string) error   { return nil }
func (plainInstaller) Uninstall(context.Context, string) error { return nil }

func TestAddComponent_Unsupported(t *testing.T) {
	ctx := context.Background()
	var tcErr *Error
	if err := AddComponent(ctx, plainInstaller{}, Dist{"stable"}, "clippy"); !errors.As(err, &tcErr) {
		t.Errorf("installer without extensions: err = %v, want *Error", err)
	}
	if err := AddTarget(ctx, plainInstaller{}, Custom{Name: "local"}, "wasm32-unknown-unknown"); !errors.As(err, &tcErr) {
		t.Errorf("custom toolchain: err = %v, want *Error", err)
	}
}

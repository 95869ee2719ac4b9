package workspace

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/sandbox"
	"github.com/jkaninda/buildbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/buildbox/internal/toolchain"
	"github.com/jkaninda/buildbox/internal/tools"
)

const testImage = "example/build-env"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBuilder(root string, rt sandbox.Runtime) *Builder {
	return NewBuilder(root, "buildbox-test").
		SandboxImage(sandbox.Remote(testImage)).
		Runtime(rt).
		Tools().
		SkipRegistryPriming(true).
		Logger(quietLogger())
}

func initWorkspace(t *testing.T, rt sandbox.Runtime) *Workspace {
	t.Helper()
	if rt == nil {
		rt = sandboxtest.New(nil)
	}
	ws, err := newTestBuilder(filepath.Join(t.TempDir(), "ws"), rt).Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return ws
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func TestInit_CreatesTree(t *testing.T) {
	rt := sandboxtest.New(nil)
	ws := initWorkspace(t, rt)

	for _, dir := range []string{ws.CargoHome(), ws.RustupHome(), ws.CacheDir(), ws.BuildsDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
	if _, err := os.Stat(filepath.Join(ws.Root(), "lock")); err != nil {
		t.Errorf("lock file missing: %v", err)
	}
	if !ws.SandboxImage().Resolved() || rt.Pulls.Load() != 1 {
		t.Errorf("image not resolved eagerly (pulls = %d)", rt.Pulls.Load())
	}
	if ws.CommandTimeout() != DefaultCommandTimeout || ws.CommandNoOutputTimeout() != 0 {
		t.Errorf("timeouts = %s, %s", ws.CommandTimeout(), ws.CommandNoOutputTimeout())
	}
}

func TestAccessorsArePureJoins(t *testing.T) {
	ws := &Workspace{root: "/srv/ws"}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"CargoHome", ws.CargoHome(), filepath.Join("/srv/ws", "cargo-home")},
		{"RustupHome", ws.RustupHome(), filepath.Join("/srv/ws", "rustup-home")},
		{"CacheDir", ws.CacheDir(), filepath.Join("/srv/ws", "cache")},
		{"BuildsDir", ws.BuildsDir(), filepath.Join("/srv/ws", "builds")},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s() = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
}

// markerTool installs itself by writing a file after a short delay.
type markerTool struct {
	installs atomic.Int32
}

func (m *markerTool) Name() string { return "marker" }

func (m *markerTool) IsInstalled(ws tools.Workspace) bool {
	_, err := os.Stat(filepath.Join(ws.CargoHome(), "bin", "marker"))
	return err == nil
}

func (m *markerTool) Install(_ context.Context, ws tools.Workspace, _ bool) error {
	m.installs.Add(1)
	time.Sleep(50 * time.Millisecond)
	dir := filepath.Join(ws.CargoHome(), "bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "marker"), nil, 0o755)
}

func TestInit_ConcurrentInitsInstallOnce(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	rt := sandboxtest.New(nil)
	tool := &markerTool{}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := newTestBuilder(root, rt).Tools(tool).Init(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if !tool.IsInstalled(ws) {
				errs <- errors.New("workspace returned before setup finished")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if got := tool.installs.Load(); got != 1 {
		t.Errorf("tool installed %d times, want 1", got)
	}
}

func TestInit_ConcurrentInitsPrimeRegistryOnce(t *testing.T) {
	requireShell(t)
	root := filepath.Join(t.TempDir(), "ws")
	calls := filepath.Join(t.TempDir(), "cargo-calls")
	bin := filepath.Join(root, "cargo-home", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	// The sleep keeps the first priming in flight while the other inits
	// queue on the workspace lock.
	script := "#!/bin/sh
echo \"$@\" >> " + calls + "
sleep 0.2
exit 101
"
	if err := os.WriteFile(filepath.Join(bin, "cargo"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	const n = 6
	rt := sandboxtest.New(nil)
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := newTestBuilder(root, rt).SkipRegistryPriming(false).Init(context.Background())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data, err := os.ReadFile(calls)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || lines[0] != "+stable install lazy_static" {
		t.Errorf("cargo calls = %q, want exactly one priming call across %d inits", lines, n)
	}
}

// Registry priming failure is tolerated for now; this pins the current
// soft-fail behavior until priming is made mandatory.
func TestInit_RegistryPrimingFailureIsProvisionallyIgnored(t *testing.T) {
	requireShell(t)
	root := filepath.Join(t.TempDir(), "ws")
	calls := filepath.Join(t.TempDir(), "cargo-calls")
	bin := filepath.Join(root, "cargo-home", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\necho \"$@\" >> " + calls + "\nexit 101\n"
	if err := os.WriteFile(filepath.Join(bin, "cargo"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		_, err := newTestBuilder(root, sandboxtest.New(nil)).SkipRegistryPriming(false).Init(context.Background())
		if err != nil {
			t.Fatalf("Init failed on priming error: %v", err)
		}
	}
	data, err := os.ReadFile(calls)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "+stable install lazy_static" {
		t.Errorf("cargo calls = %q, want a single priming call", got)
	}
}

func TestInit_RuntimeUnavailableIsNotFatal(t *testing.T) {
	rt := sandboxtest.New(nil)
	rt.PingErr = sandbox.ErrUnavailable
	ws := initWorkspace(t, rt)
	if ws.SandboxImage().Resolved() {
		t.Error("image resolved without a runtime")
	}
}

func TestInit_Errors(t *testing.T) {
	t.Run("image pull", func(t *testing.T) {
		rt := sandboxtest.New(nil)
		rt.PullErr = sandboxtest.ErrInjected
		_, err := newTestBuilder(t.TempDir(), rt).Init(context.Background())
		var initErr *InitError
		if !errors.As(err, &initErr) || initErr.Op != "resolve sandbox image" {
			t.Fatalf("err = %v", err)
		}
		if !errors.Is(err, sandboxtest.ErrInjected) {
			t.Errorf("cause lost: %v", err)
		}
	})
	t.Run("tool install", func(t *testing.T) {
		_, err := newTestBuilder(t.TempDir(), sandboxtest.New(nil)).
			Tools(failingTool{}).
			Init(context.Background())
		var initErr *InitError
		if !errors.As(err, &initErr) || initErr.Op != "install helper tools" {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("root under a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(file, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := newTestBuilder(filepath.Join(file, "ws"), sandboxtest.New(nil)).Init(context.Background())
		var initErr *InitError
		if !errors.As(err, &initErr) || initErr.Op != "create root" {
			t.Fatalf("err = %v", err)
		}
	})
}

type failingTool struct{}

func (failingTool) Name() string { return "broken" }

func (failingTool) IsInstalled(tools.Workspace) bool { return false }

func (failingTool) Install(context.Context, tools.Workspace, bool) error {
	return sandboxtest.ErrInjected
}

func TestBuildDir(t *testing.T) {
	ws := initWorkspace(t, nil)
	for _, name := range []string{"crate-1.0.0", "crate_v1", "x_y", "serde.1"} {
		dir, err := ws.BuildDir(name)
		if err != nil {
			t.Fatalf("BuildDir(%q): %v", name, err)
		}
		if dir.Path() != filepath.Join(ws.BuildsDir(), name) {
			t.Errorf("BuildDir(%q).Path() = %q", name, dir.Path())
		}
		if _, err := os.Stat(dir.Path()); !os.IsNotExist(err) {
			t.Errorf("BuildDir(%q) touched the filesystem", name)
		}
	}
}

func TestBuildDir_RejectsInvalidNames(t *testing.T) {
	ws := initWorkspace(t, nil)
	for _, name := range []string{"", ".", "..", "crate/v1", `crate\v1`, "x..y", "../etc/passwd", "nul\x00byte"} {
		if _, err := ws.BuildDir(name); !errors.Is(err, ErrInvalidBuildDirName) {
			t.Errorf("BuildDir(%q) error = %v, want ErrInvalidBuildDirName", name, err)
		}
	}
}

func TestBuildDir_DistinctNamesDistinctPaths(t *testing.T) {
	ws := initWorkspace(t, nil)
	names := []string{"crate/v1", "crate_v1", "x..y", "x_y", "a.b", "a_b"}
	paths := make(map[string]string)
	for _, name := range names {
		dir, err := ws.BuildDir(name)
		if err != nil {
			continue
		}
		if other, ok := paths[dir.Path()]; ok {
			t.Errorf("BuildDir(%q) and BuildDir(%q) share %s", name, other, dir.Path())
		}
		paths[dir.Path()] = name
	}
}

func TestBuildDir_HostCommand(t *testing.T) {
	requireShell(t)
	ws := initWorkspace(t, nil)
	dir, err := ws.BuildDir("host")
	if err != nil {
		t.Fatal(err)
	}
	cmd, err := dir.Command(command.Global("sh"), nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := cmd.Args("-c", `pwd; echo "$CARGO_TARGET_DIR"`).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	gotDir, _ := filepath.EvalSymlinks(out.Stdout[0])
	wantDir, _ := filepath.EvalSymlinks(dir.SourceDir())
	if gotDir != wantDir || out.Stdout[1] != dir.TargetDir() {
		t.Errorf("stdout = %q", out.Stdout)
	}
}

func TestBuildDir_SandboxCommand(t *testing.T) {
	rt := sandboxtest.New(func(cfg sandbox.ContainerConfig, stdout, _ io.Writer, _ <-chan struct{}) int64 {
		io.WriteString(stdout, cfg.WorkingDir+"\n")
		return 0
	})
	ws := initWorkspace(t, rt)
	dir, _ := ws.BuildDir("sandboxed")

	cmd, err := dir.Command(toolchain.Main.Cargo(), ws.NewSandbox().MemoryLimit(512<<20))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cmd.Args("build").Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg := rt.Configs()[0]
	if cfg.WorkingDir != command.ContainerWorkdir {
		t.Errorf("workdir = %q", cfg.WorkingDir)
	}
	mounts := map[string]sandbox.Mount{}
	for _, m := range cfg.Mounts {
		mounts[m.Target] = m
	}
	if m := mounts[command.ContainerWorkdir]; m.Source != dir.SourceDir() || m.ReadOnly {
		t.Errorf("source mount = %+v", m)
	}
	if m := mounts[command.ContainerTargetDir]; m.Source != dir.TargetDir() || m.ReadOnly {
		t.Errorf("target mount = %+v", m)
	}
	if m := mounts[command.ContainerCargoHome]; !m.ReadOnly {
		t.Errorf("cargo home mount = %+v", m)
	}
	if !containsEnv(cfg.Env, "CARGO_TARGET_DIR="+command.ContainerTargetDir) {
		t.Errorf("env = %q", cfg.Env)
	}
	if strings.Join(cfg.Cmd, " ") != command.ContainerCargoHome+"/bin/cargo +stable build" {
		t.Errorf("cmd = %q", cfg.Cmd)
	}
	if rt.Live() != 0 {
		t.Error("container not removed")
	}
}

func containsEnv(env []string, kv string) bool {
	for _, e := range env {
		if e == kv {
			return true
		}
	}
	return false
}

func TestBuildDirs_RunConcurrently(t *testing.T) {
	requireShell(t)
	ws := initWorkspace(t, nil)

	names := []string{"alpha", "beta"}
	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := ws.BuildDir(name)
			if err != nil {
				t.Error(err)
				return
			}
			cmd, err := dir.Command(command.Global("sh"), nil)
			if err != nil {
				t.Error(err)
				return
			}
			out, err := cmd.Args("-c", "echo "+name+" > out; sleep 0.2; cat out").Run(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = out.Stdout[0]
		}()
	}
	wg.Wait()
	for i, name := range names {
		if results[i] != name {
			t.Errorf("%s read %q", name, results[i])
		}
	}
}

func TestPurge(t *testing.T) {
	ws := initWorkspace(t, nil)
	stable := filepath.Join(toolchain.ToolchainsDir(ws.RustupHome()), "stable-"+toolchain.HostTriple())
	if err := os.MkdirAll(stable, 0o755); err != nil {
		t.Fatal(err)
	}
	before, _ := ws.InstalledToolchains()

	one, _ := ws.BuildDir("one")
	two, _ := ws.BuildDir("two")
	for _, d := range []*BuildDirectory{one, two} {
		if err := d.Ensure(); err != nil {
			t.Fatal(err)
		}
	}

	if err := one.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(one.Path()); !os.IsNotExist(err) {
		t.Error("purged directory still exists")
	}
	if _, err := os.Stat(two.Path()); err != nil {
		t.Error("purge removed a sibling directory")
	}

	if err := ws.PurgeAllBuildDirs(); err != nil {
		t.Fatalf("PurgeAllBuildDirs: %v", err)
	}
	if err := ws.PurgeAllBuildDirs(); err != nil {
		t.Fatalf("PurgeAllBuildDirs on a missing root: %v", err)
	}
	after, _ := ws.InstalledToolchains()
	if len(before) != 1 || len(after) != 1 || before[0] != after[0] {
		t.Errorf("toolchains changed: %v -> %v", before, after)
	}
}

type recordingInstaller struct {
	installs []string
	extras   []string
}

func (r *recordingInstaller) AddComponent(_ context.Context, tc toolchain.Toolchain, component string) error {
	r.extras = append(r.extras, tc.String()+" component "+component)
	return nil
}

func (r *recordingInstaller) AddTarget(_ context.Context, tc toolchain.Toolchain, target string) error {
	r.extras = append(r.extras, tc.String()+" target "+target)
	return nil
}

func (r *recordingInstaller) Install(_ context.Context, name string) error {
	r.installs = append(r.installs, name)
	return nil
}

func (r *recordingInstaller) Uninstall(context.Context, string) error { return nil }

func TestInstallToolchain(t *testing.T) {
	inst := &recordingInstaller{}
	ws, err := newTestBuilder(filepath.Join(t.TempDir(), "ws"), sandboxtest.New(nil)).
		Installer(inst).
		Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.InstallToolchain(context.Background(), toolchain.Dist{Name: "nightly"}); err != nil {
		t.Fatalf("InstallToolchain: %v", err)
	}
	if len(inst.installs) != 1 || inst.installs[0] != "nightly" {
		t.Errorf("installs = %v", inst.installs)
	}
}

func TestAddComponentAndTarget(t *testing.T) {
	inst := &recordingInstaller{}
	ws, err := newTestBuilder(filepath.Join(t.TempDir(), "ws"), sandboxtest.New(nil)).
		Installer(inst).
		Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	nightly := toolchain.Dist{Name: "nightly"}
	if err := ws.AddComponent(ctx, nightly, "rustfmt"); err != nil {
		t.Fatalf("AddComponent: %v", err)
	}
	if err := ws.AddTarget(ctx, nightly, "aarch64-unknown-linux-gnu"); err != nil {
		t.Fatalf("AddTarget: %v", err)
	}
	want := []string{"nightly component rustfmt", "nightly target aarch64-unknown-linux-gnu"}
	if len(inst.extras) != len(want) || inst.extras[0] != want[0] || inst.extras[1] != want[1] {
		t.Errorf("calls = %v, want %v", inst.extras, want)
	}
}

func TestHTTPClientSetsUserAgent(t *testing.T) {
	ws := initWorkspace(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.UserAgent())
	}))
	defer srv.Close()

	resp, err := ws.HTTPClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "buildbox-test" {
		t.Errorf("User-Agent = %q", body)
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}

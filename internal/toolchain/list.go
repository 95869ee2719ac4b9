package toolchain

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

// channelPattern matches rustup channel names with an optional archive date.
var channelPattern = regexp.MustCompile(`^(stable|beta|nightly|[0-9]+\.[0-9]+(\.[0-9]+)?)(-[0-9]{4}-[0-9]{2}-[0-9]{2})?$`)

// HostTriple returns the target triple rustup uses for this host.
func HostTriple() string {
	return hostTriple(runtime.GOOS, runtime.GOARCH)
}

func hostTriple(goos, goarch string) string {
	arch := map[string]string{
		"amd64":   "x86_64",
		"arm64":   "aarch64",
		"386":     "i686",
		"riscv64": "riscv64gc",
		"ppc64le": "powerpc64le",
		"s390x":   "s390x",
	}[goarch]
	if arch == "" {
		arch = goarch
	}
	switch goos {
	case "linux":
		return arch + "-unknown-linux-gnu"
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	case "freebsd":
		return arch + "-unknown-freebsd"
	default:
		return arch + "-unknown-" + goos
	}
}

// ToolchainsDir is where rustup keeps installed toolchains.
func ToolchainsDir(rustupHome string) string {
	return filepath.Join(rustupHome, "toolchains")
}

// ListInstalled returns the toolchains installed under rustupHome. Entries
// that are neither a recognized dist toolchain nor a symlink are skipped.
func ListInstalled(logger *slog.Logger, rustupHome string) ([]Toolchain, error) {
	return listInstalled(logger, ToolchainsDir(rustupHome), HostTriple())
}

func listInstalled(logger *slog.Logger, dir, triple string) ([]Toolchain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Err: err}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Toolchain
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(filepath.Join(dir, name))
			if err != nil {
				return nil, &Error{Op: "list", Toolchain: name, Err: err}
			}
			out = append(out, Custom{Name: name, Path: target})
			continue
		}
		if !entry.IsDir() {
			logger.Debug("skipping unrecognized toolchain entry", slog.String("name", name))
			continue
		}
		channel, ok := strings.CutSuffix(name, "-"+triple)
		if !ok || !channelPattern.MatchString(channel) {
			logger.Debug("skipping unrecognized toolchain entry", slog.String("name", name))
			continue
		}
		out = append(out, Dist{Name: channel})
	}
	return out, nil
}

// IsInstalled reports whether tc is present under rustupHome.
func IsInstalled(rustupHome string, tc Toolchain) bool {
	return isInstalled(ToolchainsDir(rustupHome), HostTriple(), tc)
}

func isInstalled(dir, triple string, tc Toolchain) bool {
	switch t := tc.(type) {
	case Dist:
		for _, name := range []string{t.Name + "-" + triple, t.Name} {
			if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.IsDir() {
				return true
			}
		}
		return false
	case Custom:
		_, err := os.Lstat(filepath.Join(dir, t.Name))
		return err == nil
	default:
		return false
	}
}

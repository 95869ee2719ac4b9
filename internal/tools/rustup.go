package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jkaninda/buildbox/internal/command"
	"github.com/jkaninda/buildbox/internal/toolchain"
)

const (
	defaultDistServer = "https://static.rust-lang.org"
	downloadAttempts  = 5
)

// Rustup bootstraps rustup into the workspace with rustup-init.
type Rustup struct {
	// DistServer overrides the server rustup-init is downloaded from.
	DistServer string
}

func (r *Rustup) Name() string { return "rustup" }

func (r *Rustup) IsInstalled(ws Workspace) bool {
	return binaryInstalled(ws, "rustup")
}

func (r *Rustup) Install(ctx context.Context, ws Workspace, _ bool) error {
	server := r.DistServer
	if server == "" {
		server = defaultDistServer
	}
	exe := "rustup-init"
	if runtime.GOOS == "windows" {
		exe += ".exe"
	}
	url := fmt.Sprintf("%s/rustup/dist/%s/%s", server, toolchain.HostTriple(), exe)

	tmp, err := os.MkdirTemp("", "buildbox-rustup-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	initPath := filepath.Join(tmp, exe)

	if err := download(ctx, ws.HTTPClient(), ws.Logger(), url, initPath); err != nil {
		return err
	}

	_, err = command.New(ws, command.Global(initPath)).
		Args("-y", "--no-modify-path", "--profile", "minimal", "--default-toolchain", toolchain.Main.Name).
		Env("CARGO_HOME", ws.CargoHome()).
		Env("RUSTUP_HOME", ws.RustupHome()).
		NoOutputTimeout(0).
		Run(ctx)
	return err
}

// download fetches url into dest as an executable file, retrying transient
// failures with exponential backoff.
func download(ctx context.Context, client *http.Client, logger *slog.Logger, url, dest string) error {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("download failed, retrying", slog.String("url", url), slog.Int("attempt", attempt), slog.Any("error", err))
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			logger.Warn("download failed, retrying", slog.String("url", url), slog.Int("attempt", attempt), slog.String("status", resp.Status))
			return struct{}{}, fmt.Errorf("GET %s: %s", url, resp.Status)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
		}

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return struct{}{}, err
		}
		return struct{}{}, f.Close()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(downloadAttempts),
	)
	return err
}

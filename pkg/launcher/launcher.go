// Package launcher starts one worker per bot, either as a child process
// or as a container.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/models"
)

// Launcher starts the per-bot worker. Launch returns once the worker is
// handed off; from then on liveness is tracked through heartbeats.
type Launcher interface {
	Kind() string
	Launch(ctx context.Context, bot *models.Bot) error
}

// New constructs the configured launcher.
func New(cfg config.DispatcherConfig) (Launcher, error) {
	switch cfg.LauncherKind {
	case "process":
		return NewProcessLauncher(cfg.WorkerBinary), nil
	case "container":
		if cfg.ContainerImage == "" {
			return nil, fmt.Errorf("container launcher requires WORKER_CONTAINER_IMAGE")
		}
		return NewContainerLauncher(cfg.ContainerRuntime, cfg.ContainerImage), nil
	default:
		return nil, fmt.Errorf("unknown launcher kind %q", cfg.LauncherKind)
	}
}

// ProcessLauncher re-executes this binary's run-worker subcommand as a
// detached child. Used in single-node deployments and tests.
type ProcessLauncher struct {
	binary string
}

// NewProcessLauncher creates a process launcher.
func NewProcessLauncher(binary string) *ProcessLauncher {
	return &ProcessLauncher{binary: binary}
}

// Kind returns "process".
func (l *ProcessLauncher) Kind() string { return "process" }

// Launch starts the worker process. The child inherits the environment,
// so it finds the same database and storage configuration.
func (l *ProcessLauncher) Launch(ctx context.Context, bot *models.Bot) error {
	cmd := exec.Command(l.binary, "run-worker", "--bot-id", bot.ID)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}
	slog.Info("Worker process launched", "bot_id", bot.ID, "pid", cmd.Process.Pid)

	// Reap the child; its exit is observed through the bot row, not here.
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("Worker process exited with error", "bot_id", bot.ID, "error", err)
		}
	}()
	return nil
}

// ContainerLauncher runs one worker container per bot via the docker or
// podman CLI.
type ContainerLauncher struct {
	runtime string
	image   string
}

// NewContainerLauncher creates a container launcher.
func NewContainerLauncher(runtime, image string) *ContainerLauncher {
	return &ContainerLauncher{runtime: runtime, image: image}
}

// Kind returns "container".
func (l *ContainerLauncher) Kind() string { return "container" }

// Launch runs the worker container detached. Configuration reaches the
// container through the forwarded environment.
func (l *ContainerLauncher) Launch(ctx context.Context, bot *models.Bot) error {
	args := l.runArgs(bot)
	cmd := exec.CommandContext(ctx, l.runtime, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s run: %w: %s", l.runtime, err, strings.TrimSpace(string(out)))
	}
	slog.Info("Worker container launched",
		"bot_id", bot.ID, "container", strings.TrimSpace(string(out)))
	return nil
}

// forwardedEnvPrefixes selects which of our environment variables worker
// containers receive.
var forwardedEnvPrefixes = []string{
	"DB_", "STORAGE_", "TRANSCRIPTION_", "DEEPGRAM_", "WORKER_", "CREDENTIALS_",
}

// containerResources returns the cpu and memory request per platform.
// Browser automation platforms composite video inside the container and
// need the most headroom; the native SDK is lighter, and RTMS sessions
// only shuffle media streams.
func containerResources(platform models.Platform) (cpus, memory string) {
	switch platform {
	case models.PlatformZoomNative:
		return "2", "2g"
	case models.PlatformZoomRTMS:
		return "1", "1g"
	default:
		return "4", "4g"
	}
}

func (l *ContainerLauncher) runArgs(bot *models.Bot) []string {
	cpus, memory := containerResources(bot.Platform())
	args := []string{
		"run", "--detach", "--rm",
		"--name", containerName(bot),
		"--cpus", cpus,
		"--memory", memory,
	}
	for _, kv := range os.Environ() {
		for _, prefix := range forwardedEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				args = append(args, "--env", kv)
				break
			}
		}
	}
	args = append(args, l.image, "run-worker", "--bot-id", bot.ID)
	return args
}

func containerName(bot *models.Bot) string {
	return "attend-worker-" + bot.ObjectID
}

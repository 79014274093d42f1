package launcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewell/attend/pkg/config"
	"github.com/notewell/attend/pkg/models"
)

func TestNew(t *testing.T) {
	l, err := New(config.DispatcherConfig{LauncherKind: "process", WorkerBinary: "/usr/bin/attend"})
	require.NoError(t, err)
	assert.Equal(t, "process", l.Kind())

	l, err = New(config.DispatcherConfig{
		LauncherKind:     "container",
		ContainerRuntime: "podman",
		ContainerImage:   "registry.example.com/attend-worker:latest",
	})
	require.NoError(t, err)
	assert.Equal(t, "container", l.Kind())

	_, err = New(config.DispatcherConfig{LauncherKind: "container"})
	assert.Error(t, err)

	_, err = New(config.DispatcherConfig{LauncherKind: "kubernetes"})
	assert.Error(t, err)
}

func TestProcessLauncherLaunch(t *testing.T) {
	l := NewProcessLauncher("true")
	err := l.Launch(context.Background(), &models.Bot{ID: "bot-1", ObjectID: "bot_x"})
	assert.NoError(t, err)

	l = NewProcessLauncher("/nonexistent/binary")
	err = l.Launch(context.Background(), &models.Bot{ID: "bot-1", ObjectID: "bot_x"})
	assert.Error(t, err)
}

func TestContainerRunArgs(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("HOME", "/root") // must not be forwarded

	l := NewContainerLauncher("docker", "attend-worker:latest")
	args := l.runArgs(&models.Bot{ID: "bot-1", ObjectID: "bot_abc", MeetingURL: "https://meet.google.com/abc"})

	assert.Equal(t, "run", args[0])
	assert.Contains(t, args, "--name")
	assert.Contains(t, args, "attend-worker-bot_abc")
	assert.Contains(t, args, "--cpus")
	assert.Contains(t, args, "--memory")
	assert.Contains(t, args, "--env")
	assert.Contains(t, args, "DB_HOST=db.internal")
	assert.NotContains(t, args, "HOME=/root")

	// Image then subcommand come last.
	n := len(args)
	assert.Equal(t, []string{"attend-worker:latest", "run-worker", "--bot-id", "bot-1"}, args[n-4:])
}

func TestContainerResourcesPerPlatform(t *testing.T) {
	tests := []struct {
		platform models.Platform
		cpus     string
		memory   string
	}{
		{models.PlatformGoogleMeet, "4", "4g"},
		{models.PlatformZoomWeb, "4", "4g"},
		{models.PlatformTeams, "4", "4g"},
		{models.PlatformZoomNative, "2", "2g"},
		{models.PlatformZoomRTMS, "1", "1g"},
	}
	for _, tt := range tests {
		cpus, memory := containerResources(tt.platform)
		assert.Equal(t, tt.cpus, cpus, tt.platform)
		assert.Equal(t, tt.memory, memory, tt.platform)
	}
}

func TestContainerRunArgsSizesByPlatform(t *testing.T) {
	l := NewContainerLauncher("docker", "attend-worker:latest")

	args := l.runArgs(&models.Bot{ID: "bot-1", ObjectID: "bot_a", MeetingURL: "https://meet.google.com/abc"})
	assert.Contains(t, args, "4g")

	args = l.runArgs(&models.Bot{ID: "bot-2", ObjectID: "bot_b", Kind: models.BotKindAppSession})
	assert.Contains(t, args, "1g")
}

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"luau-runner/internal/runtime"
	"luau-runner/pkg/seccomp"
)

// Launcher turns a script file into the argv of the child process.
// Source text is never interpolated into a shell string.
type Launcher interface {
	Name() string
	Argv(rt runtime.Runtime, execID, codePath string) ([]string, error)
	// Abort stops anything the launcher left running after the child was killed.
	Abort(execID string)
	Close() error
}

// DirectLauncher runs the interpreter as a plain child process.
type DirectLauncher struct{}

func (DirectLauncher) Name() string { return "direct" }

func (DirectLauncher) Argv(rt runtime.Runtime, _ string, codePath string) ([]string, error) {
	return rt.Command(codePath), nil
}

func (DirectLauncher) Abort(string) {}

func (DirectLauncher) Close() error { return nil }

const containerCodeDir = "/workspace/code"

// DockerLauncher runs the interpreter inside a throwaway container with no
// network, no capabilities, a read-only rootfs and a seccomp filter.
type DockerLauncher struct {
	image       string // Overrides the runtime's image when set
	limits      ResourceLimits
	dockerHost  string
	profilePath string
}

// NewDockerLauncher writes the seccomp profile for rt into dir and checks
// that the docker daemon is reachable.
func NewDockerLauncher(rt runtime.Runtime, image, dir string, limits ResourceLimits) (*DockerLauncher, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	profile, err := seccomp.DockerJSON(seccomp.ProfileFor(rt.Name()))
	if err != nil {
		return nil, fmt.Errorf("building seccomp profile: %w", err)
	}
	f, err := os.CreateTemp(dir, "playground-seccomp-*.json")
	if err != nil {
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	if _, err := f.Write(profile); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}

	d := &DockerLauncher{
		image:       image,
		limits:      limits,
		dockerHost:  resolveDockerHost(),
		profilePath: f.Name(),
	}
	if err := d.docker("info").Run(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return d, nil
}

func (d *DockerLauncher) Name() string { return "docker" }

func (d *DockerLauncher) Argv(rt runtime.Runtime, execID, codePath string) ([]string, error) {
	// The container runs as nobody.
	if err := os.Chmod(codePath, 0o444); err != nil {
		return nil, fmt.Errorf("chmod script: %w", err)
	}
	return d.buildArgs(rt, execID, codePath), nil
}

func (d *DockerLauncher) buildArgs(rt runtime.Runtime, execID, codePath string) []string {
	image := d.image
	if image == "" {
		image = rt.Image()
	}
	target := containerCodeDir + rt.FileExtension()

	args := []string{
		"docker", "run", "--rm",
		"--name", containerName(execID),
		"--network", "none",
		"--cap-drop", "ALL",
		"--read-only",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + d.profilePath,
		"--user", "65534:65534",
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=16m",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-v", fmt.Sprintf("%s:%s:ro", codePath, target),
	}
	args = append(args, d.limits.DockerArgs()...)
	args = append(args, image)
	return append(args, rt.Command(target)...)
}

// Abort force-removes the container; killing the docker CLI leaves it running.
func (d *DockerLauncher) Abort(execID string) {
	name := containerName(execID)
	if err := d.docker("rm", "-f", name).Run(); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("failed to remove timed out container")
	}
}

// CleanupOrphans removes containers left behind by a crashed server.
func (d *DockerLauncher) CleanupOrphans(ctx context.Context) int {
	cmd := d.docker("ps", "-a", "--filter", "name="+artifactPrefix, "-q")
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	var removed int
	for _, id := range strings.Fields(string(out)) {
		if ctx.Err() != nil {
			break
		}
		log.Warn().Str("container_id", id).Msg("removing orphaned interpreter container")
		if err := d.docker("rm", "-f", id).Run(); err == nil {
			removed++
		}
	}
	return removed
}

func (d *DockerLauncher) Close() error {
	if err := os.Remove(d.profilePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Env returns the environment for the docker CLI child.
func (d *DockerLauncher) Env() []string {
	if d.dockerHost == "" {
		return nil
	}
	return append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
}

func (d *DockerLauncher) docker(args ...string) *exec.Cmd {
	cmd := exec.Command("docker", args...) // #nosec G204 -- fixed args, container names are generated
	cmd.Env = d.Env()
	return cmd
}

func containerName(execID string) string {
	return artifactPrefix + execID
}

// resolveDockerHost figures out the Docker socket. Docker Desktop uses a
// context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

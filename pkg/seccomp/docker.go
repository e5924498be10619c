package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// dockerProfile is the JSON layout accepted by `docker run --security-opt seccomp=<file>`.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

var dockerArch = map[specs.Arch]string{
	specs.ArchX86_64:  "SCMP_ARCH_X86_64",
	specs.ArchAARCH64: "SCMP_ARCH_AARCH64",
}

// DockerJSON renders a profile in Docker's seccomp format.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	dp := dockerProfile{
		DefaultAction: string(p.DefaultAction),
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}
	for _, arch := range p.Architectures {
		name, ok := dockerArch[arch]
		if !ok {
			return nil, fmt.Errorf("unsupported seccomp architecture %q", arch)
		}
		dp.Architectures = append(dp.Architectures, name)
	}
	for _, rule := range p.Syscalls {
		dp.Syscalls = append(dp.Syscalls, dockerSyscall{
			Names:  rule.Names,
			Action: string(rule.Action),
		})
	}
	return json.MarshalIndent(dp, "", "  ")
}

// DockerProfileJSON is the interpreter profile in Docker's format.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(InterpreterProfile())
}

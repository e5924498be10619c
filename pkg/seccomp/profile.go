// Package seccomp builds the syscall filters applied to interpreter
// containers started by the docker launcher.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActAllow, names)
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActErrno, names)
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.add(specs.ActTrap, names)
}

func (b *ProfileBuilder) add(action specs.LinuxSeccompAction, names []string) *ProfileBuilder {
	if len(names) == 0 {
		return b
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: action,
	})
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// ActionFor reports the action the profile takes for a syscall. The first
// matching rule wins; unmatched syscalls get the default action.
func ActionFor(p *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				return rule.Action
			}
		}
	}
	return p.DefaultAction
}

package runtime

// LuauRuntime runs scripts with the Luau CLI.
type LuauRuntime struct {
	Binary string
}

func (l *LuauRuntime) Name() string { return "luau" }

func (l *LuauRuntime) Image() string { return "ghcr.io/luau-lang/luau:latest" }

func (l *LuauRuntime) Command(codePath string) []string {
	bin := l.Binary
	if bin == "" {
		bin = "luau"
	}
	return []string{bin, codePath}
}

func (l *LuauRuntime) FileExtension() string { return ".luau" }

func (l *LuauRuntime) Validate(code string) error { return validateSource(code) }

// LuaRuntime runs scripts with a stock Lua 5.x interpreter.
type LuaRuntime struct {
	Binary string
}

func (l *LuaRuntime) Name() string { return "lua" }

func (l *LuaRuntime) Image() string { return "docker.io/nickblah/lua:5.4-alpine" }

func (l *LuaRuntime) Command(codePath string) []string {
	bin := l.Binary
	if bin == "" {
		bin = "lua"
	}
	return []string{bin, codePath}
}

func (l *LuaRuntime) FileExtension() string { return ".lua" }

func (l *LuaRuntime) Validate(code string) error { return validateSource(code) }

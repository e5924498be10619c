package runtime

// NodeLuauRuntime runs scripts through a compiled Luau bundle under Node.js
// (the luau.cjs build shipped next to the server).
type NodeLuauRuntime struct {
	Node   string
	Bundle string
}

func (n *NodeLuauRuntime) Name() string { return "node-luau" }

func (n *NodeLuauRuntime) Image() string { return "docker.io/library/node:20-slim" }

func (n *NodeLuauRuntime) Command(codePath string) []string {
	node := n.Node
	if node == "" {
		node = "node"
	}
	bundle := n.Bundle
	if bundle == "" {
		bundle = "server/luau.cjs"
	}
	return []string{
		node,
		"--max-old-space-size=256", // Limit V8 heap
		bundle,
		codePath,
	}
}

func (n *NodeLuauRuntime) FileExtension() string { return ".lua" }

func (n *NodeLuauRuntime) Validate(code string) error { return validateSource(code) }

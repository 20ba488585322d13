package domain

// EngineID identifies the AI CLI implementation that produced an agent's output
type EngineID string

const (
	EngineClaude EngineID = "claude"
	EngineGemini EngineID = "gemini"
)

// DefaultEngine is used whenever an agent's engine is unknown. Agents
// recorded before multi-engine support all ran Claude Code.
const DefaultEngine = EngineClaude

// String returns the engine identifier
func (e EngineID) String() string {
	return string(e)
}

// Stream names the process pipe a chunk of output came from
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

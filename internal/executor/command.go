package executor

import (
	"github.com/hummer98/sdd-orchestrator-sub011/internal/config"
)

// BuildStartCommand builds the invocation for a new session: the engine's
// base arguments, a pre-assigned session id where the engine accepts one,
// the caller's phase arguments and finally the prompt.
func BuildStartCommand(eng config.EngineConfig, sessionID string, req StartRequest) Command {
	args := append([]string(nil), eng.Args...)
	if eng.SessionFlag != "" && sessionID != "" {
		args = append(args, eng.SessionFlag, sessionID)
	}
	args = append(args, req.Args...)
	if req.Prompt != "" {
		args = appendPrompt(args, eng.PromptFlag, req.Prompt)
	}
	return Command{Binary: eng.Binary, Args: args, Dir: req.Dir}
}

// BuildResumeCommand builds the invocation that continues sessionID with prompt
func BuildResumeCommand(eng config.EngineConfig, sessionID, prompt, dir string) Command {
	args := append([]string(nil), eng.Args...)
	args = append(args, eng.ResumeFlag, sessionID)
	args = appendPrompt(args, eng.PromptFlag, prompt)
	return Command{Binary: eng.Binary, Args: args, Dir: dir}
}

func appendPrompt(args []string, flag, prompt string) []string {
	if flag == "" {
		return append(args, prompt)
	}
	return append(args, flag, prompt)
}

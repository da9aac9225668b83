package dto

import "github.com/EternisAI/remote-control/internal/command"

type CommandRequest struct {
	Host string       `json:"host" binding:"required"`
	Port uint16       `json:"port"`
	Kind string       `json:"kind" binding:"required"`
	Args command.Args `json:"args"`
	// TimeoutMs falls back to the configured command timeout when zero.
	TimeoutMs int64 `json:"timeout_ms"`
	Retry     *bool `json:"retry,omitempty"`
}

// CommandErrorResponse carries the result too when the command timed out.
type CommandErrorResponse struct {
	Error  string          `json:"error"`
	Tag    string          `json:"tag"`
	Result *command.Result `json:"result,omitempty"`
}

package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
)

const stateFileName = "agents.json"

// SpecState is the on-disk summary of a spec's agents, read by tools that do
// not talk to the API. It is only written under the spec's task lock.
type SpecState struct {
	SpecID    string       `json:"specId"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Agents    []StateAgent `json:"agents"`
}

type StateAgent struct {
	AgentID    string          `json:"agentId"`
	Phase      string          `json:"phase"`
	EngineID   domain.EngineID `json:"engineId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Status     string          `json:"status"`
	ExitReason string          `json:"exitReason,omitempty"`
	RetryCount int             `json:"retryCount,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
}

// StateFilePath returns where the state summary for specID lives
func StateFilePath(stateDir, specID string) string {
	return filepath.Join(stateDir, specID, stateFileName)
}

// writeSpecState replaces the spec's state file atomically
func writeSpecState(path, specID string, recs []*domain.AgentRecord, now time.Time) error {
	st := SpecState{SpecID: specID, UpdatedAt: now.UTC(), Agents: make([]StateAgent, 0, len(recs))}
	for _, r := range recs {
		st.Agents = append(st.Agents, StateAgent{
			AgentID:    r.AgentID,
			Phase:      r.Phase,
			EngineID:   r.EngineID,
			SessionID:  r.SessionID,
			Status:     r.Status,
			ExitReason: r.ExitReason,
			RetryCount: r.RetryCount,
			StartedAt:  r.StartedAt,
		})
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// ReadSpecState loads a spec's state file
func ReadSpecState(path string) (*SpecState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st SpecState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &st, nil
}

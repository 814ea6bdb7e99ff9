package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Agent pipeline
// ============================================================

// StageStatus is the lifecycle of one stage within a run.
type StageStatus int

const (
	StagePending StageStatus = iota
	StageProcessing
	StageCompleted
	StageFailed
)

var stageStatusNames = map[StageStatus]string{
	StagePending:    "pending",
	StageProcessing: "processing",
	StageCompleted:  "completed",
	StageFailed:     "failed",
}

func (s StageStatus) String() string {
	if n, ok := stageStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("StageStatus(%d)", int(s))
}

// MarshalText encodes the status as its lowercase name.
func (s StageStatus) MarshalText() ([]byte, error) {
	n, ok := stageStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid stage status %d", int(s))
	}
	return []byte(n), nil
}

// UnmarshalText decodes a lowercase status name.
func (s *StageStatus) UnmarshalText(b []byte) error {
	for k, n := range stageStatusNames {
		if n == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown stage status %q", string(b))
}

// CanTransition reports whether moving from s to next is legal:
// pending → processing → completed | failed.
func (s StageStatus) CanTransition(next StageStatus) bool {
	switch s {
	case StagePending:
		return next == StageProcessing
	case StageProcessing:
		return next == StageCompleted || next == StageFailed
	default:
		return false
	}
}

// StageError is the classified reason a stage failed.
type StageError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageResult is the per-run record of one stage.
type StageResult struct {
	Stage      string         `json:"stage"`
	Critical   bool           `json:"critical"`
	Status     StageStatus    `json:"status"`
	Payload    map[string]any `json:"payload"`
	Error      *StageError    `json:"error"`
	Cached     bool           `json:"cached,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// PipelineError is the top-level error carried by a snapshot when a critical
// stage fails.
type PipelineError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// Snapshot is emitted after every stage transition.
type Snapshot struct {
	RunID         string                 `json:"runId"`
	Model         string                 `json:"model"`
	StageStatuses map[string]StageStatus `json:"stageStatuses"`
	Stages        []StageResult          `json:"stages"`
	Accumulator   map[string]any         `json:"accumulator"`
	Error         *PipelineError         `json:"error,omitempty"`
	Done          bool                   `json:"done"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// PipelineRequest is the body of POST /v1/pipeline/run and the first
// websocket message of /v1/pipeline/stream.
type PipelineRequest struct {
	CVText     string `json:"cvText" validate:"required,min=50"`
	TargetRole string `json:"targetRole,omitempty" validate:"omitempty,max=200"`
	Location   string `json:"location,omitempty" validate:"omitempty,max=200"`
}

// Accumulator returns the initial accumulator input for a run.
func (r PipelineRequest) Accumulator() map[string]any {
	in := map[string]any{"cvText": r.CVText}
	if r.TargetRole != "" {
		in["targetRole"] = r.TargetRole
	}
	if r.Location != "" {
		in["location"] = r.Location
	}
	return in
}

// AgentRequest is the body of POST /v1/agents/{agent}. Each agent reads the
// fields it needs; missing inputs are reported by the agent itself.
type AgentRequest struct {
	CVText         string         `json:"cvText,omitempty" validate:"omitempty,max=100000"`
	TargetRole     string         `json:"targetRole,omitempty" validate:"omitempty,max=200"`
	Location       string         `json:"location,omitempty" validate:"omitempty,max=200"`
	Skills         []string       `json:"skills,omitempty" validate:"omitempty,max=200,dive,required,max=100"`
	Profile        map[string]any `json:"profile,omitempty"`
	SkillsAnalysis map[string]any `json:"skillsAnalysis,omitempty"`
	Career         map[string]any `json:"career,omitempty"`
	Market         map[string]any `json:"market,omitempty"`
}

// Accumulator lays the request out the way pipeline stages read it.
func (r AgentRequest) Accumulator() map[string]any {
	acc := map[string]any{
		"input": PipelineRequest{CVText: r.CVText, TargetRole: r.TargetRole, Location: r.Location}.Accumulator(),
	}
	profile := make(map[string]any, len(r.Profile)+1)
	for k, v := range r.Profile {
		profile[k] = v
	}
	if len(r.Skills) > 0 {
		profile["skills"] = r.Skills
	}
	if len(profile) > 0 {
		acc["profile"] = profile
	}
	if len(r.SkillsAnalysis) > 0 {
		acc["skills"] = r.SkillsAnalysis
	}
	if len(r.Career) > 0 {
		acc["career"] = r.Career
	}
	if len(r.Market) > 0 {
		acc["market"] = r.Market
	}
	return acc
}

package orchestration

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/itsneelabh/goswarm/core"
)

// TaskType classifies a scheduled task for worker routing. Distinct from
// core.TaskType, which classifies model calls.
type TaskType string

const (
	TaskCode          TaskType = "code"
	TaskResearch      TaskType = "research"
	TaskDocumentation TaskType = "documentation"
	TaskAnalysis      TaskType = "analysis"
	TaskWorkflow      TaskType = "workflow"
)

// Valid reports whether t is a known scheduler task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskCode, TaskResearch, TaskDocumentation, TaskAnalysis, TaskWorkflow:
		return true
	}
	return false
}

// Priority orders queued tasks. Dequeue always prefers the highest
// priority present; within a priority tasks are FIFO.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// PriorityRanks returns the priorities from highest to lowest.
func PriorityRanks() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// Rank returns the numeric rank, 0 being the highest priority. Unknown
// values rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// TaskStatus is the scheduler-visible lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskNotFound  TaskStatus = "not_found"
)

// Task is one queued unit of background work.
type Task struct {
	ID          string                 `json:"id"`
	Type        TaskType               `json:"type"`
	Priority    Priority               `json:"priority"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`
}

// TaskRequest is the caller-facing submission shape. The scheduler mints
// the ID and stamps SubmittedAt.
type TaskRequest struct {
	Type     TaskType               `json:"type"`
	Priority Priority               `json:"priority,omitempty"`
	Input    map[string]interface{} `json:"input,omitempty"`
	Deadline *time.Time             `json:"deadline,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TaskResult is the terminal record of one task, kept in the scheduler's
// bounded history.
type TaskResult struct {
	ID        string            `json:"id"`
	Status    TaskStatus        `json:"status"`
	Result    *core.AgentResult `json:"result,omitempty"`
	Error     *core.AgentError  `json:"error,omitempty"`
	StartTime time.Time         `json:"startTime,omitempty"`
	EndTime   time.Time         `json:"endTime"`
	Duration  time.Duration     `json:"duration,omitempty"`
}

// TaskStats is the scheduler's aggregate view for monitoring and the
// health aggregator.
type TaskStats struct {
	Submitted  uint64  `json:"submitted"`
	Completed  uint64  `json:"completed"`
	Failed     uint64  `json:"failed"`
	Cancelled  uint64  `json:"cancelled"`
	QueueDepth int     `json:"queueDepth"`
	Active     int     `json:"active"`
	ErrorRate  float64 `json:"errorRate"`
}

// MintTaskID produces a sortable unique task identifier.
func MintTaskID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), taskSuffix())
}

func taskSuffix() string {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf[:])
}

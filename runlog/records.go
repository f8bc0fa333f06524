// Package runlog stores and queries execution records: one Execution per
// workflow run, one NodeExecution per node, and DLQ items for attempts that
// exhausted their retries. Records are append-mostly; only endTime, status,
// and retryHistory mutate after the initial insert.
package runlog

import (
	"time"

	"github.com/weftworks/weft/workflow"
)

// Execution is one run of a workflow.
type Execution struct {
	ExecutionID       string                   `json:"executionId"`
	WorkflowID        string                   `json:"workflowId"`
	UserID            string                   `json:"userId,omitempty"`
	Status            workflow.ExecutionStatus `json:"status"`
	StartTime         time.Time                `json:"startTime"`
	EndTime           *time.Time               `json:"endTime,omitempty"`
	DurationMs        int64                    `json:"duration,omitempty"`
	TriggerType       string                   `json:"triggerType,omitempty"`
	TriggerData       any                      `json:"triggerData,omitempty"`
	TotalNodes        int                      `json:"totalNodes"`
	CompletedNodes    int                      `json:"completedNodes"`
	FailedNodes       int                      `json:"failedNodes"`
	FinalOutput       any                      `json:"finalOutput,omitempty"`
	Error             string                   `json:"error,omitempty"`
	ErrorKind         workflow.ErrorKind       `json:"errorKind,omitempty"`
	CorrelationID     string                   `json:"correlationId"`
	ParentExecutionID string                   `json:"parentExecutionId,omitempty"`
	Metadata          ExecutionMetadata        `json:"metadata"`
}

// ExecutionMetadata aggregates cost and cache accounting across the run.
type ExecutionMetadata struct {
	RetryCount   int     `json:"retryCount"`
	TotalCostUSD float64 `json:"totalCostUSD"`
	TotalTokens  int     `json:"totalTokensUsed"`
	// LLMNodes counts the nodes CacheHitRate averages over; zero means the
	// execution made no LLM calls and its rate is meaningless.
	LLMNodes     int     `json:"llmNodes,omitempty"`
	CacheHitRate float64 `json:"cacheHitRate"`
	AvgNodeMs    int64   `json:"avgNodeDuration"`
}

// NodeExecution is the record for one node within an execution. Each retry
// attempt appends to RetryHistory and mutates the same record.
type NodeExecution struct {
	ExecutionID   string              `json:"executionId"`
	NodeID        string              `json:"nodeId"`
	NodeType      string              `json:"nodeType"`
	Status        workflow.NodeStatus `json:"status"`
	StartTime     time.Time           `json:"startTime"`
	EndTime       *time.Time          `json:"endTime,omitempty"`
	DurationMs    int64               `json:"duration,omitempty"`
	Attempt       int                 `json:"attempt"`
	MaxAttempts   int                 `json:"maxAttempts"`
	Input         any                 `json:"input,omitempty"`
	Output        any                 `json:"output,omitempty"`
	Error         string              `json:"error,omitempty"`
	ErrorKind     workflow.ErrorKind  `json:"errorKind,omitempty"`
	CorrelationID string              `json:"correlationId"`
	RetryHistory  []RetryRecord       `json:"retryHistory,omitempty"`
	Metadata      NodeMetadata        `json:"metadata"`
}

// RetryRecord captures one failed attempt before a retry.
type RetryRecord struct {
	Attempt   int                `json:"attempt"`
	Error     string             `json:"error"`
	ErrorKind workflow.ErrorKind `json:"errorKind,omitempty"`
	At        time.Time          `json:"at"`
	DelayMs   int64              `json:"delayMs"`
}

// NodeMetadata carries per-node accounting and transport detail.
type NodeMetadata struct {
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	CacheHit       *bool             `json:"cacheHit,omitempty"`
	CostUSD        float64           `json:"costUSD,omitempty"`
	TokensUsed     int               `json:"tokensUsed,omitempty"`
	HTTPStatusCode int               `json:"httpStatusCode,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Cancelled      bool              `json:"cancelled,omitempty"`
	FallbackModel  string            `json:"fallbackModel,omitempty"`
}

// DLQItem is a node attempt that exhausted its retries. Read-only except
// RetryableAfter and deletion on manual replay.
type DLQItem struct {
	ExecutionID    string     `json:"executionId"`
	WorkflowID     string     `json:"workflowId"`
	NodeID         string     `json:"nodeId"`
	LastError      string     `json:"lastError"`
	Attempts       int        `json:"attempts"`
	FirstFailedAt  time.Time  `json:"firstFailedAt"`
	LastFailedAt   time.Time  `json:"lastFailedAt"`
	RetryableAfter *time.Time `json:"retryableAfter,omitempty"`
	// Payload is the node's resolved input, replayed verbatim.
	Payload any `json:"payload,omitempty"`
}

package client

import "time"

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Usage is a CPU/memory sample of a running worker.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Status is the live state of one worker.
type Status struct {
	ID        string     `json:"id"`
	State     string     `json:"state"` // running or stopped
	Crashed   bool       `json:"crashed"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Lines     int64      `json:"lines"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Running reports whether the worker has a live process.
func (s Status) Running() bool { return s.State == "running" }

// Worker is a worker record with its live status.
type Worker struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	AutoRestart   bool       `json:"auto_restart"`
	WasRunning    bool       `json:"was_running"`
	AccountID     string     `json:"account_id,omitempty"`
	LastExitCode  *int       `json:"last_exit_code,omitempty"`
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time `json:"last_stopped_at,omitempty"`
	Script        string     `json:"script"`
	Status        Status     `json:"status"`
}

// CreateWorkerRequest registers a new worker script.
type CreateWorkerRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
	AutoRestart bool   `json:"auto_restart"`
	AccountID   string `json:"account_id,omitempty"`
}

// UpdateWorkerRequest changes the non-nil fields.
type UpdateWorkerRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Content     *string `json:"content,omitempty"`
	AutoRestart *bool   `json:"auto_restart,omitempty"`
	AccountID   *string `json:"account_id,omitempty"`
}

// LogEntry is one captured line.
type LogEntry struct {
	Time   time.Time `json:"time"`
	Line   string    `json:"line"`
	System bool      `json:"system,omitempty"`
}

type Account struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Exchange  string     `json:"exchange"`
	Currency  string     `json:"currency"`
	Balance   float64    `json:"balance"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Positions []Position `json:"positions,omitempty"`
}

type CreateAccountRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type Position struct {
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	AvgPrice  float64   `json:"avg_price"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Trade struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	ExecutedAt time.Time `json:"executed_at"`
}

// OrderRequest places a market order on an account.
type OrderRequest struct {
	WorkerID string  `json:"worker_id,omitempty"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // buy or sell
	Quantity float64 `json:"quantity"`
}

type Discrepancy struct {
	Symbol   string  `json:"symbol"`
	Local    float64 `json:"local"`
	Exchange float64 `json:"exchange"`
	Delta    float64 `json:"delta"`
}

// SyncReport is the result of reconciling an account with its exchange.
type SyncReport struct {
	AccountID     string        `json:"account_id"`
	Exchange      string        `json:"exchange"`
	Currency      string        `json:"currency"`
	Balance       float64       `json:"balance"`
	Equity        float64       `json:"equity"`
	Positions     int           `json:"positions"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	SyncedAt      time.Time     `json:"synced_at"`
}

// GroupReport lists per-worker outcomes of halt and resume.
type GroupReport struct {
	AccountID string `json:"account_id"`
	Results   []struct {
		ID      string `json:"id"`
		PID     int    `json:"pid,omitempty"`
		Outcome string `json:"outcome,omitempty"`
		Err     string `json:"error,omitempty"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

// Login is the answer of /auth/login.
type Login struct {
	Principal struct {
		Name   string `json:"name"`
		Role   string `json:"role"`
		Method string `json:"method"`
	} `json:"principal"`
	Token struct {
		Type      string    `json:"type"`
		Value     string    `json:"value"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"token"`
}

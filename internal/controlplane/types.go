package controlplane

const (
	CodeOk              string = "OK"
	ErrCodeBadRequest   string = "ERR_BAD_REQUEST"
	ErrCodeUnknownError string = "ERR_UNKNOWN_ERROR"
	ErrCodeRateLimited  string = "ERR_RATE_LIMITED"
	ErrCodeUnauthorized string = "ERR_UNAUTHORIZED"
	ErrCodeNotFound     string = "ERR_NOT_FOUND"
)

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

// HealthResponse represents the health status of the service.
type HealthResponse struct {
	Status    string `json:"status"`    // health status ("ok").
	Timestamp string `json:"ts"`        // timestamp when health check was performed.
	Version   string `json:"version"`   // version of the daemon.
	Revision  string `json:"revision"`  // revision of the daemon.
	BuildDate string `json:"buildDate"` // build date of the daemon.
}

// SyncStatusResponse is the current state of the change coalescer
type SyncStatusResponse struct {
	Phase         string `json:"phase"`
	Direction     string `json:"direction,omitempty"`
	PhaseChangeAt string `json:"phaseChangeAt"`
	Runs          int    `json:"runs"`
	Failures      int    `json:"failures"`
	LastRunAt     string `json:"lastRunAt,omitempty"`
	LastDuration  int64  `json:"lastDurationMs,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

type RunResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	StartedAt  string `json:"startedAt"`
	DurationMs int64  `json:"durationMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type RunsResponse struct {
	Runs     []RunResponse `json:"runs"`
	Total    int           `json:"total"`
	Failures int           `json:"failures"`
}

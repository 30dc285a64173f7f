package types

// WorkerStatus summarizes one execution worker for /status.
type WorkerStatus struct {
	// Device the worker is bound to.
	// example: cuda:0
	Device string `json:"device" example:"cuda:0"`
	// Lifecycle state: starting, ready, busy, draining or failed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Batch currently executing, if any.
	InflightBatch string `json:"inflight_batch,omitempty"`
	// Reason of the last failure while the worker is failed.
	Failure string `json:"failure,omitempty"`
	// Number of successful replica loads.
	// example: 1
	Loads int `json:"loads" example:"1"`
	// Last time this worker finished a batch (unix seconds).
	LastUsed int64 `json:"last_used_unix,omitempty"`
	// Model version of the loaded replica.
	ModelVersion string `json:"model_version,omitempty"`
	// Tables with shards resident on this device.
	Resident []string `json:"resident,omitempty"`
	// Process ID of the worker subprocess (process isolation only).
	PID int `json:"pid,omitempty"`
}

// GroupStatus reports pending requests in one schema group.
type GroupStatus struct {
	// Canonical schema key.
	// example: s:product,user|d:age/1
	Schema string `json:"schema" example:"s:product,user|d:age/1"`
	// Requests waiting in the open batch.
	Pending int `json:"pending"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state: starting, ready, degraded, stopping.
	// example: ready
	State string `json:"state" example:"ready"`
	// Workers in the pool.
	Workers []WorkerStatus `json:"workers"`
	// Closed batches waiting for a worker.
	// example: 0
	QueueDepth int `json:"queue_depth" example:"0"`
	// Dispatch queue capacity.
	// example: 64
	QueueCapacity int `json:"queue_capacity" example:"64"`
	// Open batches per schema group.
	Groups []GroupStatus `json:"groups,omitempty"`
	// Model kind and version served.
	ModelKind    string `json:"model_kind,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
	// Placement assignment version.
	PlacementVersion string `json:"placement_version,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

package tasks

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusDone is a trailing confirmation some producers emit after
	// completed. It never mutates a stored task; it only tells the owning
	// entity the artifact is fully finalized.
	StatusDone Status = "done"
)

// Terminal reports whether a status ends the current attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDone
}

// Task is one unit of asynchronous text-to-audio work.
type Task struct {
	ID           string         `json:"task_id"`
	Text         string         `json:"text"`
	TextHash     string         `json:"text_hash"`
	Status       Status         `json:"status"`
	OutputPath   string         `json:"output_path,omitempty"`
	CustomName   string         `json:"custom_name,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	FailedAt     *time.Time     `json:"failed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Device       string         `json:"device,omitempty"`
	FileSize     *int64         `json:"file_size,omitempty"`
	SamplingRate *int           `json:"sampling_rate,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ItemID       *int64         `json:"item_id,omitempty"`
}

// StatusMessage is a transient notification from the producer. It is
// consumed exactly once by the monitor loop and never persisted on its own.
type StatusMessage struct {
	TaskID     string         `json:"request_id"`
	Status     Status         `json:"status"`
	OutputPath string         `json:"output_file_path,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Statistics is an aggregate snapshot over the task table.
type Statistics struct {
	TotalTasks      int            `json:"total_tasks"`
	StatusCounts    map[Status]int `json:"status_counts"`
	AverageFileSize float64        `json:"average_file_size"`
	DuplicateTexts  int            `json:"duplicate_texts"`
}

// Health is a best-effort liveness snapshot. Unreachable collaborators
// degrade to zero values rather than errors.
type Health struct {
	WorkerRunning   bool `json:"worker_running"`
	QueueDepth      int  `json:"queue_size"`
	PendingTasks    int  `json:"pending_tasks"`
	EngineAvailable bool `json:"tts_service_available"`
}

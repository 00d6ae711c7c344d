package model

// NotificationType names a job lifecycle event.
type NotificationType string

const (
	NotificationPlannerStarted        NotificationType = "planner_started"
	NotificationPlannerCompleted      NotificationType = "planner_completed"
	NotificationJobFailed             NotificationType = "job_failed"
	NotificationExecuteChunkCompleted NotificationType = "execute_chunk_completed"
	NotificationExecuteCompleted      NotificationType = "execute_completed"
	NotificationRenderStarted         NotificationType = "render_started"
	NotificationRenderChunkCompleted  NotificationType = "render_chunk_completed"
	NotificationRenderCompleted       NotificationType = "render_completed"
)

// NotificationPayload is the common envelope for lifecycle events. PLAN-scoped
// events omit ModelID and DocumentKey since plan jobs are not model- or
// document-scoped.
type NotificationPayload struct {
	Type                     NotificationType `json:"type"`
	SessionID                string           `json:"sessionId"`
	StageSlug                string           `json:"stageSlug"`
	IterationNumber          int              `json:"iterationNumber"`
	JobID                    string           `json:"job_id"`
	StepKey                  string           `json:"step_key,omitempty"`
	ModelID                  string           `json:"modelId,omitempty"`
	DocumentKey              string           `json:"document_key,omitempty"`
	Error                    *JobError        `json:"error,omitempty"`
	LatestRenderedResourceID string           `json:"latestRenderedResourceId,omitempty"`
}

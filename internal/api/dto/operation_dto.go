package dto

type SubmitOperationRequest struct {
	OperationType    string         `json:"operation_type" binding:"required"`
	OwnerID          string         `json:"owner_id" binding:"required"`
	GraphID          string         `json:"graph_id" binding:"required"`
	Priority         int            `json:"priority"`
	EstimatedRecords int64          `json:"estimated_records"`
	Params           map[string]any `json:"params"`
}

type SubmitOperationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
	StreamURL   string `json:"stream_url"`
}

type QueryRequest struct {
	Query  string         `json:"query" binding:"required"`
	Params map[string]any `json:"params"`
	Class  string         `json:"class"`
}

type QueryResponse struct {
	GraphID string `json:"graph_id"`
	Count   int    `json:"count"`
	Rows    any    `json:"rows"`
}

type AdmissionRejectedResponse struct {
	Decision          string  `json:"decision"`
	Reason            string  `json:"reason"`
	RetryAfterSeconds float64 `json:"retry_after"`
}

type PurgeRequest struct {
	Confirm bool `json:"confirm"`
}

type PurgeResponse struct {
	Removed int `json:"removed"`
}

type ReprocessResponse struct {
	OriginalTaskID string `json:"original_task_id"`
	NewTaskID      string `json:"new_task_id"`
	Queue          string `json:"queue"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

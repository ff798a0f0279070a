package syncqapi

// AttrRequestID is the message attribute that carries the correlation id on
// both the request and the response queue.
const AttrRequestID = "request_id"

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusTimedOut  = "timeout"
	StatusNotFound  = "not_found"
)

// WorkItem is the request-queue message body.
type WorkItem struct {
	Filename  string  `json:"filename"`
	RequestID string  `json:"request_id"`
	Timestamp float64 `json:"timestamp"`
}

// ResultBody is the response-queue message body. A body without a result
// is discarded by the gateway.
type ResultBody struct {
	Result string `json:"result"`
}

type StatusResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Result    string `json:"result,omitempty"`
}

type ResultResponse struct {
	Filename string `json:"filename"`
	Result   string `json:"result,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DepthResponse struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

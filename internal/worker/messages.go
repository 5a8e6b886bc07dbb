package worker

// Command actions the pool sends to a worker. A command carrying a
// JobID and no Action is a job dispatch.
const (
	ActionStatus    = "status"
	ActionTerminate = "terminate"
)

type Command struct {
	Action string `json:"action,omitempty"`
	JobID  string `json:"id,omitempty"`
}

// Response actions a worker reports back to the pool.
const (
	ResponseReady     = "response:ready"
	ResponseComplete  = "response:complete"
	ResponseStatus    = "response:status"
	ResponseTerminate = "response:terminate"
	ResponseUnknown   = "response:unknown"
	ResponseError     = "response:error"
)

type Response struct {
	Action  string `json:"action"`
	Job     string `json:"job,omitempty"`
	State   Status `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

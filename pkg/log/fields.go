package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Process
	FieldService  = "service"
	FieldInstance = "instance_id"

	// Domain
	FieldStreamerID = "streamer_id"
	FieldPlatform   = "platform"
	FieldHandle     = "handle"

	// Queue
	FieldQueue    = "queue"
	FieldTaskID   = "task_id"
	FieldTaskType = "task_type"
	FieldAttempt  = "attempt"

	// Realtime
	FieldConnID  = "conn_id"
	FieldChannel = "channel"
	FieldMsgType = "msg_type"
)

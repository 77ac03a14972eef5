package logger

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// RTMP connection
	FieldConnID     = "conn_id"
	FieldRemoteAddr = "remote_addr"
	FieldRole       = "role"

	// Stream
	FieldApp    = "app"
	FieldStream = "stream"

	FieldService = "service"
)

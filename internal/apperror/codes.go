package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	// General validation
	CodeRequiredField   Code = "REQUIRED_FIELD"
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeInvalidFormat   Code = "INVALID_FORMAT"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeNotFound        Code = "NOT_FOUND"
	CodeValidationError Code = "VALIDATION_ERROR"

	// Configuration
	CodeConfigurationError Code = "CONFIGURATION_ERROR"

	// External service errors
	CodeExternalServiceError Code = "EXTERNAL_SERVICE_ERROR"
	CodeServiceTimeout       Code = "SERVICE_TIMEOUT"
	CodeServiceUnavailable   Code = "SERVICE_UNAVAILABLE"
	CodeRateLimitExceeded    Code = "RATE_LIMIT_EXCEEDED"

	// System errors
	CodeInternalError Code = "INTERNAL_ERROR"
	CodeUnknownError  Code = "UNKNOWN_ERROR"
)

// Collector-specific error codes
const (
	// DataFlow engine errors
	CodeRoutingError           Code = "ROUTING_ERROR"
	CodeSinkError              Code = "SINK_ERROR"
	CodeBackpressureRejected   Code = "BACKPRESSURE_REJECTED"
	CodeEngineStopped          Code = "ENGINE_STOPPED"
	CodeProcessingTimeout      Code = "PROCESSING_TIMEOUT"
	CodeUnknownSink            Code = "UNKNOWN_SINK"
	CodeDuplicateSink          Code = "DUPLICATE_SINK"
	CodeInvalidMessage         Code = "INVALID_MESSAGE"
	CodeUnsupportedMessageType Code = "UNSUPPORTED_MESSAGE_TYPE"

	// WebSocket errors
	CodeWebSocketConnectionError Code = "WEBSOCKET_CONNECTION_ERROR"
	CodeWebSocketReconnecting    Code = "WEBSOCKET_RECONNECTING"
	CodeWebSocketClosed          Code = "WEBSOCKET_CLOSED"
	CodeWebSocketSendError       Code = "WEBSOCKET_SEND_ERROR"
	CodeTransportError           Code = "TRANSPORT_ERROR"

	// Connection pool errors
	CodePoolFull            Code = "POOL_FULL"
	CodeDuplicateConnection Code = "DUPLICATE_CONNECTION"
	CodeConnectionNotFound  Code = "CONNECTION_NOT_FOUND"

	// Broker (NATS) errors
	CodeBrokerConnectionFailed Code = "BROKER_CONNECTION_FAILED"
	CodeBrokerPublishFailed    Code = "BROKER_PUBLISH_FAILED"

	// Exchange adapter errors
	CodeExchangeConnectionFailed Code = "EXCHANGE_CONNECTION_FAILED"
	CodeExchangeParseError       Code = "EXCHANGE_PARSE_ERROR"

	// Cache errors
	CodeCacheWriteFailed Code = "CACHE_WRITE_FAILED"
	CodeCacheMiss        Code = "CACHE_MISS"
	CodeCacheExpired     Code = "CACHE_EXPIRED"

	// Circuit breaker errors
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"
	CodeCircuitHalfOpen Code = "CIRCUIT_HALF_OPEN"
)

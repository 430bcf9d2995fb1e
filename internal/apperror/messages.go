package apperror

// messages maps error codes to human-readable messages
var messages = map[Code]string{
	// General validation
	CodeRequiredField:   "Required field is missing",
	CodeInvalidInput:    "Invalid input provided",
	CodeInvalidFormat:   "Invalid data format",
	CodeInvalidState:    "Invalid state for this operation",
	CodeNotFound:        "Resource not found",
	CodeValidationError: "Validation error",

	// Configuration
	CodeConfigurationError: "Configuration error",

	// External service errors
	CodeExternalServiceError: "External service error",
	CodeServiceTimeout:       "Service request timeout",
	CodeServiceUnavailable:   "Service temporarily unavailable",
	CodeRateLimitExceeded:    "Rate limit exceeded",

	// System errors
	CodeInternalError: "Internal server error",
	CodeUnknownError:  "An unknown error occurred",

	// DataFlow engine errors
	CodeRoutingError:           "Routing rule evaluation failed",
	CodeSinkError:              "Sink write failed",
	CodeBackpressureRejected:   "Message rejected, ingress queue full",
	CodeEngineStopped:          "Engine is stopped",
	CodeProcessingTimeout:      "Message processing timed out",
	CodeUnknownSink:            "Sink is not registered",
	CodeDuplicateSink:          "Sink already registered",
	CodeInvalidMessage:         "Invalid market message",
	CodeUnsupportedMessageType: "Unsupported message type",

	// WebSocket errors
	CodeWebSocketConnectionError: "WebSocket connection error",
	CodeWebSocketReconnecting:    "WebSocket reconnecting",
	CodeWebSocketClosed:          "WebSocket connection closed",
	CodeWebSocketSendError:       "Failed to send WebSocket message",
	CodeTransportError:           "Transport write failed",

	// Connection pool errors
	CodePoolFull:            "Connection pool is at capacity",
	CodeDuplicateConnection: "Connection ID already registered",
	CodeConnectionNotFound:  "Connection not found",

	// Broker errors
	CodeBrokerConnectionFailed: "Failed to connect to broker",
	CodeBrokerPublishFailed:    "Broker publish failed",

	// Exchange adapter errors
	CodeExchangeConnectionFailed: "Failed to connect to exchange",
	CodeExchangeParseError:       "Failed to parse exchange frame",

	// Cache errors
	CodeCacheWriteFailed: "Cache write failed",
	CodeCacheMiss:        "Cache miss",
	CodeCacheExpired:     "Cache entry expired",

	// Circuit breaker errors
	CodeCircuitOpen:     "Circuit breaker is open",
	CodeCircuitHalfOpen: "Circuit breaker is half-open",
}

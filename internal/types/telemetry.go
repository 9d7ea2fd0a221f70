package types

// Telemetry metric names for CloudWatch.
const (
	MetricDispatchFiltered = "DispatchFiltered"
	MetricDeliveryAttempt  = "DeliveryAttempt"
	MetricDeliveryLatency  = "DeliveryLatency"
	MetricQueueLag         = "DispatchQueueLag"
	MetricAPILatency       = "APILatency"
	MetricAPIRequestCount  = "APIRequestCount"

	DimResult    = "Result"
	DimErrorKind = "ErrorKind"
	DimProject   = "ProjectID"
	DimStatus    = "BuildStatus"
	DimEndpoint  = "Endpoint"
	DimCode      = "StatusCode"

	MetricNamespace = "ChimeNotify"
)

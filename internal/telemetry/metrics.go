// Package telemetry provides OpenTelemetry metrics and tracing for the gateway.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Session metrics track tenant connection lifecycle events.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	SessionsStartedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.sessions.started",
		"Total session start requests",
	)

	SessionsOpenedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.sessions.opened",
		"Total sessions that reached the open state",
	)

	SessionsClosedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.sessions.closed",
		"Total session closures",
	)

	SessionsReconnectCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.sessions.reconnects",
		"Total scheduled reconnect attempts",
	)

	SessionsAuthFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.sessions.auth_failed",
		"Total sessions torn down for fatal auth reasons",
	)
)

// Intake metrics track the inbound message pipeline.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	MessagesReceivedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.messages.received",
		"Total inbound messages received from sockets",
	)

	MessagesDedupedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.messages.deduped",
		"Total inbound messages dropped as duplicates",
	)

	MessagesHandledCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.messages.handled",
		"Total inbound messages passed to the message handler",
	)
)

// Delivery metrics track the outbound webhook pipeline.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	DeliveriesForwardedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.deliveries.forwarded",
		"Total payloads forwarded to the downstream webhook",
	)

	DeliveriesFailedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.deliveries.failed",
		"Total webhook delivery failures after retries",
	)

	DeliveriesDeadLetteredCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.deliveries.dead_lettered",
		"Total payloads persisted to the dead-letter queue",
	)

	DeadLetterReplayedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.dead_letter.replayed",
		"Total dead-letter records successfully redelivered",
	)

	DeadLetterExhaustedCounter = telemetry.DimensionlessMeasure(
		"",
		"wagateway.dead_letter.exhausted",
		"Total dead-letter records that hit the retry cap",
	)

	DeliveryLatencyHistogram = telemetry.LatencyMeasure(
		"wagateway.delivery",
	)
)

// Tracers for the main processing paths.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	IntakeTracer   = telemetry.NewTracer("wagateway.intake")
	DeliveryTracer = telemetry.NewTracer("wagateway.delivery")
)

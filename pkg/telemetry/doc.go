// Package telemetry wires OpenTelemetry exporters and meters for the relay.
//
// It centralises trace provider setup, applies relay resource attributes and
// records metrics for the two outbound legs of every relayed request so
// operators can tell identity latency apart from scoring latency.
package telemetry

// Package events provides domain event handling for communicating state
// changes across system boundaries in a decoupled way.
package events

import (
	"context"
	"time"
)

// EventType represents a domain event category, enabling type-safe event
// routing and handling.
type EventType string

// Domain event type constants. Each describes "something happened" in the
// orchestration core.
const (
	EventTypeWorkflowStarted   EventType = "WorkflowStarted"
	EventTypeWorkflowPaused    EventType = "WorkflowPaused"
	EventTypeWorkflowResumed   EventType = "WorkflowResumed"
	EventTypeWorkflowCompleted EventType = "WorkflowCompleted"
	EventTypeWorkflowFailed    EventType = "WorkflowFailed"
	EventTypeWorkflowCancelled EventType = "WorkflowCancelled"

	EventTypeStepCompleted EventType = "StepCompleted"
	EventTypeStepFailed    EventType = "StepFailed"

	EventTypeChunkCompleted EventType = "ChunkCompleted"
	EventTypeChunkFailed    EventType = "ChunkFailed"

	EventTypeCheckpointSaved  EventType = "CheckpointSaved"
	EventTypeRecoveryStarted  EventType = "RecoveryStarted"
	EventTypeJobReconciled    EventType = "JobReconciled"
	EventTypeResumePlanIssued EventType = "ResumePlanIssued"
)

// DomainEvent encapsulates event data flowing through the system, providing
// a standardized format for processing and distribution.
type DomainEvent struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically a job or workflow ID
	// that events can be grouped or partitioned by.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends
	// on the EventType.
	Payload any
}

// PublishOption is a function type that modifies PublishParams, enabling
// flexible configuration of publishing behavior through functional options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event
// routing. The key helps ensure related events are processed in order by the
// same consumer.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an
// event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It provides a technology-agnostic
// interface to decouple event producers from the underlying messaging
// infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

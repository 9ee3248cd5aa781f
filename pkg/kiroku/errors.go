package kiroku

import "errors"

var (
	// ErrInvalidEvent indicates that an event does not satisfy protocol invariants.
	ErrInvalidEvent = errors.New("kiroku: invalid event")
	// ErrInvalidSubscription indicates that a subscription configuration is invalid.
	ErrInvalidSubscription = errors.New("kiroku: invalid subscription")
	// ErrSubscriptionClosed indicates that a subscription is no longer active.
	ErrSubscriptionClosed = errors.New("kiroku: subscription closed")
	// ErrEventDropped indicates a non-blocking backpressure drop.
	ErrEventDropped = errors.New("kiroku: event dropped due to backpressure")
	// ErrServiceAlreadyRegistered indicates duplicate service registration.
	ErrServiceAlreadyRegistered = errors.New("kiroku: service already registered")
	// ErrServiceNotFound indicates a service lookup miss.
	ErrServiceNotFound = errors.New("kiroku: service not found")
	// ErrModuleAlreadyRegistered indicates duplicate module registration.
	ErrModuleAlreadyRegistered = errors.New("kiroku: module already registered")
	// ErrDriverAlreadyRegistered indicates duplicate driver registration.
	ErrDriverAlreadyRegistered = errors.New("kiroku: driver already registered")
	// ErrInvalidOutboundRequest indicates an outbound request failed validation.
	ErrInvalidOutboundRequest = errors.New("kiroku: invalid outbound request")
	// ErrOutboundUnsupported indicates no sink can serve an outbound request.
	ErrOutboundUnsupported = errors.New("kiroku: outbound operation unsupported")
	// ErrMediaUnavailable indicates the message has no downloadable media.
	ErrMediaUnavailable = errors.New("kiroku: media unavailable")
	// ErrPeerNotFound indicates a lookup for an unknown user or conversation.
	ErrPeerNotFound = errors.New("kiroku: peer not found")
)

package domain

import "errors"

// Dead-letter reason codes, stable strings for operator tooling
const (
	ReasonMalformedPayload = "malformed-payload"
	ReasonProcessingFailed = "processing-failed"
)

var (
	// ErrMalformedMessage marks a payload that cannot be decoded or is
	// missing required fields. Permanent: redelivery has no value, the
	// message dead-letters immediately.
	ErrMalformedMessage = errors.New("malformed job message")
)

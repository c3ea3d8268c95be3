package domain

// InboundPrompt is one decoded user request pulled off the bus. It is
// immutable: the pipeline constructs it on deserialization, the dispatcher
// consumes it once, and it is discarded after producing its reply.
type InboundPrompt struct {
	// UserID partitions conversation state. Required.
	UserID string
	// Text is the raw prompt content.
	Text string
	// ReplyTo is the transport-supplied destination for the eventual reply.
	ReplyTo string
	// MsgID is an optional caller-supplied identifier used for duplicate
	// suppression. Empty means the message bypasses deduplication.
	MsgID string
}

// OutboundReply routes completion text back to the original requester.
type OutboundReply struct {
	ReplyTo string
	Text    string
}

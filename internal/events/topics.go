package events

// Topic constants for payment and order events.
const (
	TopicOrderCreated     = "order.created"
	TopicOrderPaid        = "order.paid"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentCancelled = "payment.cancelled"
	TopicPaymentExpired   = "payment.expired"
	// TopicPaymentConflict records a second successful intent for an already paid order.
	TopicPaymentConflict = "payment.conflict"
	// TopicPaymentLateCapture records a capture reported for a failed or cancelled intent.
	TopicPaymentLateCapture = "payment.late_capture"
)

// CustomerTopics returns the topics that trigger a customer email.
func CustomerTopics() []string {
	return []string{
		TopicOrderPaid,
		TopicPaymentFailed,
		TopicPaymentCancelled,
		TopicPaymentExpired,
	}
}

package contracts

// OutcomeKind identifies the result of a stage handler. The set is closed:
// pipeline roles are fixed by the pipeline shape and so are their outcomes.
type OutcomeKind int

const (
	// KindForward republishes the envelope downstream and acks the delivery.
	KindForward OutcomeKind = iota
	// KindTerminate acks the delivery with no republish; the pipeline is
	// complete for this message.
	KindTerminate
	// KindRetry requeues the message with an incremented retry count, or
	// dead-letters it once the retry maximum is reached.
	KindRetry
	// KindDeadLetter routes the message to the dead-letter surface.
	KindDeadLetter
)

// Dead-letter reasons carried to the dead-letter surface.
const (
	ReasonDecodeError      = "decode_error"
	ReasonValidationFailed = "validation_failed"
	ReasonProcessError     = "process_error"
)

// Outcome is the result of handling one envelope.
type Outcome struct {
	kind   OutcomeKind
	env    *Envelope
	reason string
	err    error
}

// Forward produces an outcome that republishes env downstream.
func Forward(env *Envelope) Outcome {
	return Outcome{kind: KindForward, env: env}
}

// Terminate produces an outcome that acknowledges terminal success.
func Terminate() Outcome {
	return Outcome{kind: KindTerminate}
}

// Retry produces an outcome that requeues the message. err records the
// transient failure that caused it.
func Retry(err error) Outcome {
	return Outcome{kind: KindRetry, err: err}
}

// DeadLetter produces an outcome that routes the message to the dead-letter
// surface with the given reason.
func DeadLetter(reason string, err error) Outcome {
	return Outcome{kind: KindDeadLetter, reason: reason, err: err}
}

// Kind returns the outcome kind.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Envelope returns the envelope to forward, nil unless Kind is KindForward.
func (o Outcome) Envelope() *Envelope { return o.env }

// Reason returns the dead-letter reason, empty unless Kind is KindDeadLetter.
func (o Outcome) Reason() string { return o.reason }

// Err returns the failure behind a Retry or DeadLetter outcome.
func (o Outcome) Err() error { return o.err }

func (k OutcomeKind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindTerminate:
		return "terminate"
	case KindRetry:
		return "retry"
	case KindDeadLetter:
		return "deadletter"
	default:
		return "unknown"
	}
}

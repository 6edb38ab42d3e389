package smtp

// Handlers is the explicit set of embedder hooks the Server Facade
// publishes (spec §4.5/§6). Every slot is optional; a nil slot drives the
// "fast path" (accept without asking the embedder), a set slot drives the
// "slow path" (spec §9 design note — explicit handler slots in place of
// the teacher's dynamic event subscription, which doesn't fit a
// statically typed re-implementation).
//
// Each handler is called synchronously from the connection's own
// goroutine and may block; the core does not read the next command line
// until it returns, which is what gives the suspension-point semantics
// spec §5 requires without needing an explicit continuation type.
type Handlers struct {
	// OnClose fires once, when a session's connection is torn down,
	// however that happened (QUIT, timeout, transport error, failed
	// STARTTLS handshake).
	OnClose func(env *Envelope)

	// OnStartData fires when the client's DATA command is accepted and
	// the framer is about to switch into data mode.
	OnStartData func(env *Envelope)

	// OnData is called once per body chunk as it streams off the wire.
	// Returning an error rejects the message: the rest of the body is still
	// read up to the terminator, then the client sees the error's
	// SMTPResponse, or a generic 550.
	OnData func(env *Envelope, chunk []byte) error

	// OnDataReady is called once the dot-terminator has been seen. A nil
	// error with a non-empty id makes the core reply
	// "250 2.0.0 Ok: queued as <id>"; a non-empty error aborts with that
	// error's SMTPResponse, or a generic 550.
	OnDataReady func(env *Envelope) (queueID string, err error)

	// OnAuthorizeUser verifies a SASL username/secret pair, for all three
	// mechanisms alike (the secret is the password for PLAIN/LOGIN, the
	// bearer token for XOAUTH2).
	OnAuthorizeUser func(env *Envelope, username, secret string) error

	// OnValidateSender/OnValidateRecipient are invoked after the built-in
	// MX check (if any) passes, once per MAIL/RCPT address, and may veto
	// the address with an SMTPError.
	OnValidateSender    func(env *Envelope, addr MailAddress) error
	OnValidateRecipient func(env *Envelope, addr MailAddress) error

	// OnSenderValidationFailed/OnRecipientValidationFailed are
	// notification-only hooks fired when a validation failure (DNS, SPF or
	// embedder veto) has been decided, just before its reply is written;
	// they can't change the outcome, only observe it (for metrics/logging).
	OnSenderValidationFailed    func(addr MailAddress)
	OnRecipientValidationFailed func(addr MailAddress)
}

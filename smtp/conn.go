package smtp

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is one session's Connection State Machine (spec §4.4): the main
// command dispatcher, driving the Framer, the Authentication Sub-Machine
// (auth.go) and the Address Validator (validator.go), and emitting the
// embedder events declared on cfg.Handlers.
//
// Grounded on the teacher's conn type in smtp/smtp.go, generalized from
// the teacher's single-role MTA/MSA split to the spec's one state machine
// with optional capabilities gated by Config fields.
type Conn struct {
	nc     net.Conn
	framer *Framer
	cfg    *Config
	srv    *Server

	envelope *Envelope
	auth     *Authentication

	tlsActive bool
	remoteIP  net.IP

	validator *validator
	log       logrus.FieldLogger

	closed bool
}

func newConn(nc net.Conn, srv *Server) *Conn {
	remoteIP := remoteIPOf(nc)

	auth := newAuthentication()
	env := &Envelope{
		RemoteAddress:  nc.RemoteAddr().String(),
		Date:           time.Now(),
		Authentication: auth,
	}

	c := &Conn{
		nc:        nc,
		framer:    NewFramer(nc),
		cfg:       &srv.config,
		srv:       srv,
		envelope:  env,
		auth:      auth,
		tlsActive: srv.config.SecureConnection,
		remoteIP:  remoteIP,
		validator: &validator{cfg: &srv.config, log: srv.log},
	}
	c.log = srv.log.WithField("remote_addr", env.RemoteAddress)
	return c
}

func remoteIPOf(nc net.Conn) net.IP {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// serve runs the session to completion: banner, then the command loop,
// until QUIT, a read error (EOF, timeout, transport error), or a failed
// STARTTLS handshake.
func (c *Conn) serve() {
	defer c.teardown()

	c.log.Debug("connection accepted")
	c.reply(Ready, "", fmt.Sprintf("%s ESMTP%s", c.cfg.name(), c.cfg.bannerSuffix()))

	for !c.closed {
		if c.cfg.Timeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
		}

		if c.auth.State != AuthNormal && c.auth.State != AuthAuthenticated {
			line, err := c.framer.ReadLine()
			if err != nil {
				c.handleReadError(err)
				return
			}
			c.continueAuth(line)
			continue
		}

		verb, args, err := c.framer.ReadCommand()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				c.reply(SyntaxError, "5.5.2", "Line too long")
				continue
			}
			c.handleReadError(err)
			return
		}

		c.dispatch(verb, args)
	}
}

func (c *Conn) handleReadError(err error) {
	if errors.Is(err, ErrLineTooLong) {
		c.reply(SyntaxError, "5.5.2", "Line too long")
		return
	}
	netErr, isNetErr := err.(net.Error)
	if isNetErr && netErr.Timeout() {
		c.log.WithError(err).Debug("session timed out")
	} else if err != io.EOF {
		c.log.WithError(err).Debug("transport error")
	}
	// Best-effort: the client may already be gone, Write will just fail
	// silently via the underlying conn.
	c.reply(ShuttingDown, "4.4.2", fmt.Sprintf("%s Error: %s", c.cfg.name(), describeReadError(err)))
}

func describeReadError(err error) string {
	if err == io.EOF {
		return "connection closed"
	}
	return "connection problem"
}

func (c *Conn) dispatch(verb, args string) {
	switch verb {
	case "HELO":
		c.handleHELO(args)
	case "EHLO":
		c.handleEHLO(args)
	case "MAIL":
		c.handleMAIL(args)
	case "RCPT":
		c.handleRCPT(args)
	case "DATA":
		c.handleDATA(args)
	case "RSET":
		c.envelope.reset()
		c.reply(Ok, "2.0.0", "Ok")
	case "NOOP":
		c.reply(Ok, "", "OK")
	case "VRFY":
		c.reply(VrfyStub, "2.1.5", "Send some mail, I'll try my best")
	case "QUIT":
		c.reply(Closing, "2.0.0", "Goodbye!")
		c.closed = true
	case "STARTTLS":
		c.handleSTARTTLS(args)
	case "AUTH":
		c.handleAUTH(args)
	case "":
		// Empty verb (blank line already filtered by the framer, but a
		// line that was pure whitespace after the verb split lands
		// here): spec says stay silent.
	default:
		c.reply(NotImplemented, "5.5.2", "Error: command not recognized")
	}
}

func (c *Conn) handleHELO(args string) {
	host := strings.TrimSpace(args)
	if host == "" {
		c.reply(SyntaxErrorParam, "", "Syntax: EHLO hostname")
		return
	}
	c.envelope.Host = host
	c.envelope.reset()
	c.envelope.Host = host
	c.reply(Ok, "", fmt.Sprintf("%s at your service, [%s]", c.cfg.name(), c.remoteAddrString()))
}

func (c *Conn) handleEHLO(args string) {
	if c.cfg.DisableEHLO {
		c.reply(NotImplemented, "5.5.2", "Error: command not recognized")
		return
	}
	host := strings.TrimSpace(args)
	if host == "" {
		c.reply(SyntaxErrorParam, "", "Syntax: EHLO hostname")
		return
	}

	c.envelope.reset()
	c.envelope.Host = host

	lines := []string{fmt.Sprintf("%s at your service, [%s]", c.cfg.name(), c.remoteAddrString())}
	lines = append(lines, "8BITMIME", "ENHANCEDSTATUSCODES")
	if c.cfg.MaxSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", c.cfg.MaxSize))
	}
	if (c.tlsActive || c.cfg.IgnoreTLS) && (c.cfg.RequireAuthentication || c.cfg.EnableAuthentication) {
		lines = append(lines, "AUTH "+strings.Join(c.cfg.AuthMethods, " "))
	}
	if !c.tlsActive && !c.cfg.DisableSTARTTLS {
		lines = append(lines, "STARTTLS")
	}

	c.replyMultiLine(Ok, lines...)
}

func (c *Conn) handleMAIL(args string) {
	if c.envelope.Host == "" {
		c.reply(BadSequence, "5.5.1", "Error: send HELO/EHLO first")
		return
	}
	if c.envelope.FromSet {
		c.reply(BadSequence, "5.5.1", "Error: nested MAIL command")
		return
	}
	if c.cfg.RequireAuthentication && !c.auth.Authenticated {
		c.reply(AuthRequired, "5.7.0", "Authentication required")
		return
	}

	const prefix = "FROM:"
	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		c.reply(SyntaxErrorParam, "5.1.7", "Bad sender address syntax")
		return
	}

	addr, size, err := parseMailFrom(args)
	if err != nil {
		c.reply(SyntaxErrorParam, "5.1.7", "Bad sender address syntax")
		return
	}

	if addr.Domain != "" {
		if verr := c.validator.validate(c.envelope, senderAddress, addr, c.remoteIP); verr != nil {
			c.replyErr(verr)
			return
		}
	}

	c.envelope.From = addr
	c.envelope.FromSet = true
	c.envelope.MessageSize = size
	c.reply(Ok, "2.1.0", "Ok")
}

func (c *Conn) handleRCPT(args string) {
	if !c.envelope.FromSet {
		c.reply(BadSequence, "5.5.1", "Error: need MAIL command")
		return
	}

	const prefix = "TO:"
	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		c.reply(SyntaxErrorParam, "5.1.7", "Bad recipient address syntax")
		return
	}

	addr, err := parseRcptTo(args)
	if err != nil {
		c.reply(SyntaxErrorParam, "5.1.7", "Bad recipient address syntax")
		return
	}

	if verr := c.validator.validate(c.envelope, recipientAddress, addr, c.remoteIP); verr != nil {
		c.replyErr(verr)
		return
	}

	c.envelope.To = addRecipient(c.envelope.To, addr)
	c.reply(Ok, "2.1.0", "Ok")
}

func (c *Conn) handleDATA(args string) {
	if len(c.envelope.To) == 0 {
		c.reply(BadSequence, "5.5.1", "Error: need RCPT command")
		return
	}

	c.reply(StartData, "", "End data with <CR><LF>.<CR><LF>")

	if c.cfg.Handlers.OnStartData != nil {
		c.cfg.Handlers.OnStartData(c.envelope)
	}

	body := c.framer.StartData()
	buf := make([]byte, 32*1024)
	var dataErr error
	for {
		n, err := body.Read(buf)
		if n > 0 && c.cfg.Handlers.OnData != nil {
			if herr := c.cfg.Handlers.OnData(c.envelope, buf[:n]); herr != nil && dataErr == nil {
				dataErr = herr
			}
		}
		if err != nil {
			if err != io.EOF {
				dataErr = err
			}
			break
		}
	}
	if dataErr != nil {
		c.replyErr(dataErr)
		c.envelope.reset()
		return
	}

	if c.cfg.Handlers.OnDataReady != nil {
		queueID, err := c.cfg.Handlers.OnDataReady(c.envelope)
		if err != nil {
			c.replyErr(err)
			c.envelope.reset()
			return
		}
		if queueID == "" {
			queueID = randomQueueID()
		}
		c.reply(Ok, "2.0.0", fmt.Sprintf("Ok: queued as %s", queueID))
	} else {
		c.reply(Ok, "2.0.0", fmt.Sprintf("Ok: queued as %s", randomQueueID()))
	}

	c.envelope.reset()
}

func (c *Conn) handleSTARTTLS(args string) {
	if c.cfg.DisableSTARTTLS {
		c.reply(NotImplemented, "5.5.2", "Error: command not recognized")
		return
	}
	if c.tlsActive {
		c.reply(TransactionFailed, "5.5.1", "Error: TLS already active")
		return
	}
	if c.cfg.Credentials == nil {
		c.reply(NotImplemented, "5.5.2", "Error: TLS not available")
		return
	}

	c.reply(Ready, "2.0.0", "Ready to start TLS")

	tlsConn := tls.Server(c.nc, c.cfg.Credentials)
	if err := tlsConn.Handshake(); err != nil {
		c.log.WithError(err).Debug("TLS handshake failed")
		c.closed = true
		return
	}

	c.nc = tlsConn
	c.framer = NewFramer(tlsConn)
	c.tlsActive = true

	// RFC 3207: the command state is fully reset as if the connection
	// had just been opened; the client must re-issue EHLO.
	c.resetForSTARTTLS()
}

func (c *Conn) resetForSTARTTLS() {
	c.envelope.reset()
	c.envelope.Host = ""
	c.auth.reset()
}

func (c *Conn) teardown() {
	if c.cfg.Handlers.OnClose != nil {
		c.cfg.Handlers.OnClose(c.envelope)
	}
	c.nc.Close()
	c.srv.connectionClosed()
}

// --- reply helpers ---

func (c *Conn) reply(code StatusCode, enhanced, msg string) {
	line := formatReply(code, enhanced, msg)
	fmt.Fprintf(c.nc, "%s\r\n", line)
}

func (c *Conn) replyMultiLine(code StatusCode, lines ...string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(c.nc, "%d%s%s\r\n", code, sep, l)
	}
}

func (c *Conn) replyErr(err error) {
	var se *SMTPError
	if errors.As(err, &se) {
		fmt.Fprintf(c.nc, "%s\r\n", se.Reply())
		return
	}
	c.reply(MailboxUnavail, "", fmt.Sprintf("%s", firstNonEmpty(err.Error(), "FAILED")))
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func formatReply(code StatusCode, enhanced, msg string) string {
	if enhanced == "" && msg == "" {
		return fmt.Sprintf("%d", code)
	}
	if enhanced == "" {
		return fmt.Sprintf("%d %s", code, msg)
	}
	return fmt.Sprintf("%d %s %s", code, enhanced, msg)
}

func (c *Conn) remoteAddrString() string {
	host, _, err := net.SplitHostPort(c.envelope.RemoteAddress)
	if err != nil {
		return c.envelope.RemoteAddress
	}
	return host
}

// randomQueueID renders 10 random bytes as 20 hex characters (spec §9).
func randomQueueID() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "00000000000000000000"
	}
	return hex.EncodeToString(buf)
}

package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config is the Server Facade's configuration surface (spec §6). It is a
// plain struct, matching the teacher's smtp.Config and
// nazwhale-from-my-domain's flag-and-struct approach — no configuration
// framework is wired in, since none of the pack's SMTP-domain repos use
// one.
type Config struct {
	// Name is used in the greeting banner and status lines. Defaults to
	// the OS hostname, falling back to "127.0.0.1".
	Name string

	Debug bool

	// Timeout is the read deadline set before each command is read; it
	// bounds reading that command line (and, for DATA, its body). It does
	// not interrupt an embedder callback that has not returned.
	Timeout time.Duration

	// SecureConnection starts new connections already wrapped in TLS
	// (Credentials must be set).
	SecureConnection bool

	// SMTPBanner is appended to the 220 greeting.
	SMTPBanner string

	RequireAuthentication bool
	EnableAuthentication  bool

	// MaxSize advertises the SIZE capability; the core parses and stores
	// MAIL's SIZE= parameter but never enforces it, per spec §4.4 —
	// enforcement during DATA is an embedder concern.
	MaxSize int64

	// Credentials holds the TLS certificate(s) used for SecureConnection
	// and STARTTLS; read-only and shared by reference across sessions.
	Credentials *tls.Config

	// AuthMethods lists the allowed SASL mechanism names ("PLAIN",
	// "LOGIN", "XOAUTH2"); defaults to {"PLAIN", "LOGIN"}.
	AuthMethods []string

	DisableEHLO         bool
	IgnoreTLS            bool
	DisableSTARTTLS      bool
	DisableDNSValidation bool

	// EnableSPF turns on the opt-in SPF check in the Address Validator
	// (spec_full.md DOMAIN STACK); off by default since the spec's
	// documented §4.2 contract doesn't require it.
	EnableSPF bool

	// LegacyValidatorShortCircuit reproduces the §4.2/§9 Open Question's
	// short-circuited legacy behavior (accept every address without
	// running DNS or the embedder callback) instead of the documented
	// contract. Off by default.
	LegacyValidatorShortCircuit bool

	MaxClients int

	Handlers Handlers

	// Logger, when set, is used instead of a package-default logrus
	// logger. Lets an embedder route logs through its own
	// already-configured logrus instance.
	Logger logrus.FieldLogger
}

func (c *Config) name() string {
	if c.Name != "" {
		return c.Name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "127.0.0.1"
}

func (c *Config) bannerSuffix() string {
	if c.SMTPBanner == "" {
		return ""
	}
	return " " + c.SMTPBanner
}

func (c *Config) authMethodsOrDefault() []string {
	if len(c.AuthMethods) > 0 {
		return c.AuthMethods
	}
	return []string{"PLAIN", "LOGIN"}
}

func (c *Config) callAuthorizeUser(env *Envelope, username, secret string) error {
	if c.Handlers.OnAuthorizeUser == nil {
		return fmt.Errorf("smtp: no authorization handler configured")
	}
	return c.Handlers.OnAuthorizeUser(env, username, secret)
}

// Server is the Server Facade (spec §4.5): lifecycle, per-connection
// admission control, and the shared, read-only configuration every
// session's Conn holds a pointer to.
//
// Grounded on the teacher's Server/ListenAndServe/Serve, generalized from
// the teacher's MTA/MSA role split to the spec's single configurable
// state machine, with maxClients admission control added (absent in the
// teacher).
type Server struct {
	config Config
	log    logrus.FieldLogger

	listener net.Listener
	clients  int64
	closing  int32
}

// NewServer builds a Server from cfg. AuthMethods defaults to
// {PLAIN, LOGIN} when empty.
func NewServer(cfg Config) *Server {
	cfg.AuthMethods = cfg.authMethodsOrDefault()
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		if cfg.Debug {
			l.SetLevel(logrus.DebugLevel)
		} else {
			l.SetLevel(logrus.InfoLevel)
		}
		log = l
	}

	return &Server{
		config: cfg,
		log:    log,
	}
}

// ListenAndServe binds host:port and serves until Close is called or
// Accept returns a non-temporary error.
func (s *Server) ListenAndServe(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	defer ln.Close()

	s.log.WithField("addr", ln.Addr()).Info("smtp server listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closing) == 1 {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.log.WithError(err).Debug("temporary accept error")
				continue
			}
			return err
		}

		if s.admit(nc) {
			conn := newConn(nc, s)
			go conn.serve()
		}
	}
}

// admit enforces MaxClients (spec §4.5): past the limit, the connection
// is told 421 and closed instead of being handed a Conn.
func (s *Server) admit(nc net.Conn) bool {
	n := atomic.AddInt64(&s.clients, 1)
	if s.config.MaxClients > 0 && n > int64(s.config.MaxClients) {
		atomic.AddInt64(&s.clients, -1)
		fmt.Fprintf(nc, "%d %s Too many connections\r\n", ShuttingDown, s.config.name())
		nc.Close()
		return false
	}
	return true
}

func (s *Server) connectionClosed() {
	atomic.AddInt64(&s.clients, -1)
}

// Close stops accepting new connections. Sessions already in progress
// run to completion (spec §5: graceful shutdown).
func (s *Server) Close() error {
	atomic.StoreInt32(&s.closing, 1)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

package smtp

import (
	"encoding/base64"
	"strings"
)

// authMethod is one of the three SASL mechanisms the core speaks.
type authMethod string

const (
	authPlain   authMethod = "PLAIN"
	authLogin   authMethod = "LOGIN"
	authXOAuth2 authMethod = "XOAUTH2"
)

// xoauth2FailureChallenge is the JSON status whose base64 encoding is sent
// back as the 334 challenge on an XOAUTH2 verification failure, before the
// definitive 535. It is the standard machine-readable status JSON gmail's
// XOAUTH2 SASL exchange expects.
const xoauth2FailureChallenge = `{"status":"401","schemes":"bearer","scope":"https://mail.google.com/"}`

// handleAUTH is the entry point for the AUTH command (spec §4.3
// preconditions, all four checked in order).
func (c *Conn) handleAUTH(args string) {
	if !c.cfg.RequireAuthentication && !c.cfg.EnableAuthentication {
		c.reply(BadSequence, "5.5.1", "Error: authentication not enabled")
		return
	}
	if !c.tlsActive && !c.cfg.IgnoreTLS {
		c.reply(AuthRequired, "5.7.0", "Must issue a STARTTLS command first")
		return
	}
	if c.auth.Authenticated {
		c.reply(BadSequence, "5.7.0", "No identity changes permitted")
		return
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		c.reply(SyntaxErrorParam, "5.5.4", "Syntax: AUTH mechanism")
		return
	}

	mech := authMethod(strings.ToUpper(fields[0]))
	if !c.methodAllowed(mech) {
		c.reply(AuthFailed, "5.7.8", "Error: authentication failed: no mechanism available")
		return
	}

	var initial string
	if len(fields) > 1 {
		initial = fields[1]
	}

	c.auth.mechanism = string(mech)
	switch mech {
	case authPlain:
		c.startPlain(initial)
	case authLogin:
		c.startLogin(initial)
	case authXOAuth2:
		c.startXOAUTH2(initial)
	default:
		c.reply(AuthFailed, "5.7.8", "Error: authentication failed: no mechanism available")
	}
}

func (c *Conn) methodAllowed(mech authMethod) bool {
	for _, m := range c.cfg.AuthMethods {
		if authMethod(strings.ToUpper(m)) == mech {
			return true
		}
	}
	return false
}

// continueAuth is called by the main dispatch loop instead of
// ReadCommand's verb/args split while an AUTH dialogue is in progress
// (c.auth.State is neither AuthNormal nor AuthAuthenticated): the
// three dialogues share this one entry point, keyed off the state
// (tagged variant) and c.auth.mechanism.
func (c *Conn) continueAuth(line string) {
	switch c.auth.State {
	case AuthPlainUserData:
		c.continuePlain(line)
	case AuthAuthenticating:
		c.continueLogin(line)
	case AuthXOAUTH2:
		c.continueXOAUTH2(line)
	default:
		// Unreachable: the dispatch loop only calls continueAuth for
		// these three states.
		c.auth.reset()
	}
}

// --- PLAIN (RFC 4616) ---

func (c *Conn) startPlain(initial string) {
	if initial == "" {
		c.reply(AuthContinue, "", "")
		c.auth.State = AuthPlainUserData
		return
	}
	c.finishPlain(initial)
}

func (c *Conn) continuePlain(line string) {
	c.finishPlain(line)
}

func (c *Conn) finishPlain(blob string) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		c.authSyntaxError()
		return
	}

	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		c.authSyntaxError()
		return
	}
	authzid, authcid, password := parts[0], parts[1], parts[2]

	username := authcid
	if username == "" {
		username = authzid
	}

	c.verifyAuth(username, password)
}

// --- LOGIN (draft-murchison-sasl-login) ---

func (c *Conn) startLogin(initialUser string) {
	c.auth.State = AuthAuthenticating
	c.auth.pendingUsername = unsetUsername

	if initialUser != "" {
		username, err := base64.StdEncoding.DecodeString(initialUser)
		if err != nil {
			c.authSyntaxError()
			return
		}
		c.auth.pendingUsername = string(username)
		c.reply(AuthContinue, "", base64.StdEncoding.EncodeToString([]byte("Password:")))
		return
	}

	c.reply(AuthContinue, "", base64.StdEncoding.EncodeToString([]byte("Username:")))
}

func (c *Conn) continueLogin(line string) {
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		c.authSyntaxError()
		return
	}

	if c.auth.pendingUsername == unsetUsername {
		c.auth.pendingUsername = string(decoded)
		c.reply(AuthContinue, "", base64.StdEncoding.EncodeToString([]byte("Password:")))
		return
	}

	c.auth.State = AuthVerifying
	c.verifyAuth(c.auth.pendingUsername, string(decoded))
}

// --- XOAUTH2 (Google SASL-XOAUTH2) ---

func (c *Conn) startXOAUTH2(initial string) {
	raw, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		c.authSyntaxError()
		return
	}

	fields := strings.Split(string(raw), "\x01")
	if len(fields) != 4 {
		c.authSyntaxError()
		return
	}

	const userPrefix = "user="
	username := fields[0]
	if strings.HasPrefix(username, userPrefix) {
		username = username[len(userPrefix):]
	}

	tokenField := strings.Fields(fields[1])
	token := ""
	if len(tokenField) >= 2 {
		token = tokenField[1]
	}

	if err := c.cfg.callAuthorizeUser(c.envelope, username, token); err != nil {
		// spec §4.3: on verification failure, XOAUTH2 replies with the
		// canned challenge first and waits for the client's mandatory
		// (empty) continuation before the definitive failure.
		c.reply(AuthContinue, "", base64.StdEncoding.EncodeToString([]byte(xoauth2FailureChallenge)))
		c.auth.State = AuthXOAUTH2
		return
	}

	c.authSucceeded(username)
}

func (c *Conn) continueXOAUTH2(_ string) {
	c.reply(AuthFailed, "5.7.1", "Error: authentication failed")
	c.auth.reset()
}

// --- shared verification tail ---

func (c *Conn) verifyAuth(username, secret string) {
	if err := c.cfg.callAuthorizeUser(c.envelope, username, secret); err != nil {
		c.reply(AuthFailed, "5.7.8", "Error: authentication failed")
		c.auth.reset()
		return
	}
	c.authSucceeded(username)
}

func (c *Conn) authSucceeded(username string) {
	c.auth.Username = username
	c.auth.Authenticated = true
	c.auth.State = AuthAuthenticated
	c.reply(AuthSuccess, "2.7.0", "Authentication successful")
}

func (c *Conn) authSyntaxError() {
	c.reply(SyntaxError, "5.5.2", "Cannot decode response")
	c.auth.reset()
}

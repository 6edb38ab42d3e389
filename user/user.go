// Package user is a sample SASL credential store for the esmtpd command,
// backing Handlers.OnAuthorizeUser. It is not part of the smtp package's
// core: the core only calls out to whatever OnAuthorizeUser an embedder
// wires in, and this is one such embedder, kept in the tree as a working
// example of how to do it.
package user

// Account is one SASL principal: the username PLAIN/LOGIN/XOAUTH2
// authenticate as, and the secret checked against it (a password for
// PLAIN/LOGIN, a bearer token for XOAUTH2).
type Account struct {
	Name   string
	Secret string
}

// CheckSecret reports whether secret matches this account's stored
// secret. Kept as a method, rather than inlined into DB.Authorize, so a
// future hashed-password store only has to change this one comparison.
func (a *Account) CheckSecret(secret string) bool {
	return secret == a.Secret
}

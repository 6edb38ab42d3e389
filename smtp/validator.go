package smtp

import (
	"fmt"
	"net"
	"strings"

	"github.com/gopistolet/gospf"
	"github.com/sirupsen/logrus"
)

// Overridable for testing, same pattern albertito-chasquid/internal/spf
// uses for its own lookupTXT/lookupMX/lookupIP seams.
var (
	lookupMX     = net.LookupMX
	lookupIP     = net.LookupIP
	spfCheckHost = gospf.CheckHost
)

// addressKind distinguishes MAIL's sender from RCPT's recipients, per
// spec §4.2's (kind, localpart, domain, continuation) call signature.
type addressKind int

const (
	senderAddress addressKind = iota
	recipientAddress
)

func (k addressKind) String() string {
	if k == senderAddress {
		return "sender"
	}
	return "recipient"
}

// validator implements spec §4.2's Address Validator: an MX/A lookup
// gated by Config.DisableDNSValidation, an opt-in SPF check against the
// connecting IP, and a final embedder callback. It holds no per-session
// state; each Conn builds its own over the server's shared Config.
type validator struct {
	cfg *Config
	log logrus.FieldLogger
}

// validate runs the full pipeline for one MAIL or RCPT address and
// returns nil on acceptance or an *SMTPError (always non-nil on
// rejection; DNS failures and plain errors are wrapped into one) ready to
// be written back to the client.
func (v *validator) validate(env *Envelope, kind addressKind, addr MailAddress, remoteIP net.IP) error {
	if v.cfg.LegacyValidatorShortCircuit {
		// spec §4.2/§9 Open Question: the original source's
		// _validateAddress returned immediately, before any DNS or
		// embedder check. Config opts into reproducing that for
		// compatibility; the documented behavior below is the default.
		return nil
	}

	if !v.cfg.DisableDNSValidation {
		if err := v.checkDomain(addr.Domain); err != nil {
			v.fireFailed(kind, addr)
			if se, ok := err.(*SMTPError); ok {
				return se
			}
			return &SMTPError{
				Code:         TempAddrReject,
				EnhancedCode: "4.1.8",
				Message:      fmt.Sprintf("%s: %s address rejected: Domain not found", addr, kind),
			}
		}

		if kind == senderAddress && v.cfg.EnableSPF && remoteIP != nil && addr.Domain != "" {
			if result := v.checkSPF(remoteIP, addr.Domain); result == gospf.Fail {
				v.fireFailed(kind, addr)
				return &SMTPError{
					Code:         MailboxUnavail,
					EnhancedCode: "5.7.1",
					Message:      fmt.Sprintf("%s: sender address rejected: SPF check failed for domain %s", addr, addr.Domain),
				}
			}
		}
	}

	handler := v.cfg.Handlers.OnValidateSender
	if kind == recipientAddress {
		handler = v.cfg.Handlers.OnValidateRecipient
	}
	if handler == nil {
		return nil
	}

	if err := handler(env, addr); err != nil {
		v.fireFailed(kind, addr)
		if se, ok := err.(*SMTPError); ok {
			return se
		}
		return &SMTPError{
			Code:         MailboxUnavail,
			EnhancedCode: "5.1.1",
			Message:      fmt.Sprintf("%s: %s address rejected: User unknown in local %s table", addr, kind, kind),
		}
	}
	return nil
}

func (v *validator) fireFailed(kind addressKind, addr MailAddress) {
	if kind == senderAddress {
		if v.cfg.Handlers.OnSenderValidationFailed != nil {
			v.cfg.Handlers.OnSenderValidationFailed(addr)
		}
		return
	}
	if v.cfg.Handlers.OnRecipientValidationFailed != nil {
		v.cfg.Handlers.OnRecipientValidationFailed(addr)
	}
}

// checkSPF consults the teacher's unused gospf dependency and returns its
// result, logging any non-Pass result and mapping a lookup error to
// TempError. The veto decision is validate's: a Fail result rejects the
// sender with 550 5.7.1, every other result lets it through.
func (v *validator) checkSPF(remoteIP net.IP, domain string) gospf.Result {
	result, err := spfCheckHost(remoteIP, domain)
	if err != nil {
		if v.log != nil {
			v.log.WithError(err).WithField("domain", domain).Debug("spf check error, treating as temperror")
		}
		return gospf.TempError
	}
	if result != gospf.Pass && v.log != nil {
		v.log.WithFields(logrus.Fields{"domain": domain, "result": result}).Debug("spf check result")
	}
	return result
}

// checkDomain is the MX (falling back to A/AAAA) lookup, grounded on
// Loweel-sinksmtp/mxresolve.go's ValidDomain/checkIP: reject RFC 7505
// null MX and "localhost." targets, require at least one MX host (or, with
// no MX, the domain itself) whose addresses are all global unicast.
func (v *validator) checkDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain")
	}

	mxs, err := lookupMX(domain + ".")
	if err != nil || len(mxs) == 0 {
		// No MX: fall back to a direct A/AAAA lookup of the domain
		// itself, same fallback the teacher's resolver uses.
		return checkGlobalUnicast(domain + ".")
	}

	var lastErr error
	found := false
	for _, mx := range mxs {
		host := strings.ToLower(mx.Host)
		if host == "." && mx.Pref == 0 {
			return fmt.Errorf("%s: RFC 7505 null MX", domain)
		}
		if host == "." || host == "localhost." {
			return fmt.Errorf("%s: rejecting bogus MX %s", domain, host)
		}
		if err := checkGlobalUnicast(mx.Host); err != nil {
			lastErr = err
			continue
		}
		found = true
	}
	if !found {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("%s: no usable MX", domain)
	}
	return nil
}

// checkGlobalUnicast resolves host and rejects it unless every address is
// a global unicast address (no loopback, link-local, multicast, or
// RFC 1918/ULA private space), matching Loweel-sinksmtp's checkIP.
func checkGlobalUnicast(host string) error {
	addrs, err := lookupIP(host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%s: no IP addresses", host)
	}
	for _, ip := range addrs {
		if !ip.IsGlobalUnicast() || ip.IsPrivate() {
			return fmt.Errorf("%s: %s is not a valid mail delivery target", host, ip)
		}
	}
	return nil
}

package smtp

import (
	"encoding/base64"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func authorizingHandlers(want map[string]string) Handlers {
	return Handlers{
		OnAuthorizeUser: func(env *Envelope, username, secret string) error {
			if pw, ok := want[username]; ok && pw == secret {
				return nil
			}
			return &SMTPError{Code: AuthFailed, EnhancedCode: "5.7.8", Message: "bad creds"}
		},
	}
}

func TestAuthPlainTwoStep(t *testing.T) {
	Convey("AUTH PLAIN with no initial response prompts for the blob", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			Handlers:             authorizingHandlers(map[string]string{"bob": "hunter2"}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		ts.send("AUTH PLAIN")
		So(ts.recv(), ShouldContainSubstring, "334")

		blob := base64.StdEncoding.EncodeToString([]byte("\x00bob\x00hunter2"))
		ts.send(blob)
		So(ts.recv(), ShouldContainSubstring, "235 2.7.0 Authentication successful")
	})
}

func TestAuthLoginDialogue(t *testing.T) {
	Convey("AUTH LOGIN prompts for username then password", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			Handlers:             authorizingHandlers(map[string]string{"carol": "swordfish"}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		ts.send("AUTH LOGIN")
		userPrompt := ts.recv()
		So(userPrompt, ShouldContainSubstring, "334")

		ts.send(base64.StdEncoding.EncodeToString([]byte("carol")))
		passPrompt := ts.recv()
		So(passPrompt, ShouldContainSubstring, "334")

		ts.send(base64.StdEncoding.EncodeToString([]byte("swordfish")))
		So(ts.recv(), ShouldContainSubstring, "235 2.7.0 Authentication successful")
	})

	Convey("AUTH LOGIN with the username inline skips the first prompt", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			Handlers:             authorizingHandlers(map[string]string{"carol": "swordfish"}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		ts.send("AUTH LOGIN " + base64.StdEncoding.EncodeToString([]byte("carol")))
		So(ts.recv(), ShouldContainSubstring, "334")

		ts.send(base64.StdEncoding.EncodeToString([]byte("swordfish")))
		So(ts.recv(), ShouldContainSubstring, "235 2.7.0 Authentication successful")
	})
}

func TestAuthFailureResetsState(t *testing.T) {
	Convey("A failed verification resets auth state and allows retrying", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			Handlers:             authorizingHandlers(map[string]string{"carol": "swordfish"}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		blob := base64.StdEncoding.EncodeToString([]byte("\x00carol\x00wrongpassword"))
		ts.send("AUTH PLAIN " + blob)
		So(ts.recv(), ShouldContainSubstring, "535 5.7.8 Error: authentication failed")

		So(ts.conn.auth.State, ShouldEqual, AuthNormal)
		So(ts.conn.auth.Authenticated, ShouldBeFalse)

		ts.send("NOOP")
		So(ts.recv(), ShouldContainSubstring, "250")
	})
}

func TestAuthXOAUTH2Failure(t *testing.T) {
	Convey("A failed XOAUTH2 attempt challenges then fails definitively", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			AuthMethods:          []string{"XOAUTH2"},
			Handlers:             authorizingHandlers(map[string]string{}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		payload := "user=dave\x01auth=Bearer badtoken\x01\x01"
		ts.send("AUTH XOAUTH2 " + base64.StdEncoding.EncodeToString([]byte(payload)))
		So(ts.recv(), ShouldContainSubstring, "334")

		ts.send("")
		So(ts.recv(), ShouldContainSubstring, "535 5.7.1 Error: authentication failed")
	})
}

func TestAuthRejectsUnlistedMechanism(t *testing.T) {
	Convey("A mechanism not in AuthMethods is refused", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			AuthMethods:          []string{"LOGIN"},
			Handlers:             authorizingHandlers(map[string]string{}),
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()

		ts.send("AUTH XOAUTH2 " + base64.StdEncoding.EncodeToString([]byte("x")))
		So(ts.recv(), ShouldContainSubstring, "535 5.7.8")
	})
}

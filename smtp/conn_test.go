package smtp

import (
	"bufio"
	"encoding/base64"
	"net"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// testSession wires a Conn to one end of an in-memory net.Pipe and runs it
// in the background, giving the test the other end to script a client
// conversation against. Grounded on the teacher's habit of driving
// smtp.conn directly in tests (smtp/smtp_test.go), generalized to a full
// two-sided pipe since the teacher only unit-tested parsing helpers.
type testSession struct {
	client *bufio.ReadWriter
	conn   *Conn
}

func newTestSession(cfg Config) *testSession {
	cfg.DisableDNSValidation = true
	srv := NewServer(cfg)

	serverSide, clientSide := net.Pipe()
	conn := newConn(serverSide, srv)
	go conn.serve()

	client := bufio.NewReadWriter(bufio.NewReader(clientSide), bufio.NewWriter(clientSide))
	return &testSession{client: client, conn: conn}
}

func (ts *testSession) send(line string) {
	ts.client.WriteString(line + "\r\n")
	ts.client.Flush()
}

func (ts *testSession) recvLine() string {
	line, _ := ts.client.ReadString('\n')
	return line
}

// recv reads one (possibly multi-line) reply and returns its lines
// concatenated as received, CRLF terminators included, so tests can match
// on a single logical reply regardless of line count.
func (ts *testSession) recv() string {
	var out string
	for {
		line := ts.recvLine()
		out += line
		if len(line) < 4 || line[3] != '-' {
			break
		}
	}
	return out
}

func TestHappyPath(t *testing.T) {
	Convey("A full transaction from EHLO to queued DATA", t, func() {
		ts := newTestSession(Config{Name: "mail.example.com"})
		defer ts.conn.nc.Close()

		So(ts.recv(), ShouldContainSubstring, "220")

		ts.send("EHLO client.example")
		ehlo := ts.recv()
		So(ehlo, ShouldContainSubstring, "250")
		So(ehlo, ShouldContainSubstring, "8BITMIME")
		So(ehlo, ShouldContainSubstring, "ENHANCEDSTATUSCODES")

		ts.send("MAIL FROM:<a@b.com>")
		So(ts.recv(), ShouldContainSubstring, "250 2.1.0 Ok")

		ts.send("RCPT TO:<c@d.com>")
		So(ts.recv(), ShouldContainSubstring, "250 2.1.0 Ok")

		ts.send("DATA")
		So(ts.recv(), ShouldContainSubstring, "354")

		ts.send("hello")
		ts.send(".")
		So(ts.recv(), ShouldContainSubstring, "250 2.0.0 Ok: queued as")
	})
}

func TestBounceSenderAccepted(t *testing.T) {
	Convey("MAIL FROM:<> is accepted as the null reverse-path", t, func() {
		ts := newTestSession(Config{})
		defer ts.conn.nc.Close()
		ts.recv() // banner

		ts.send("EHLO client.example")
		ts.recv()

		ts.send("MAIL FROM:<>")
		So(ts.recv(), ShouldContainSubstring, "250 2.1.0 Ok")
		So(ts.conn.envelope.From.String(), ShouldEqual, "<>")
	})
}

func TestOutOfOrderMailBeforeHelo(t *testing.T) {
	Convey("MAIL with no prior HELO/EHLO is rejected", t, func() {
		ts := newTestSession(Config{})
		defer ts.conn.nc.Close()
		ts.recv() // banner

		ts.send("MAIL FROM:<a@b.c>")
		So(ts.recv(), ShouldContainSubstring, "503 5.5.1 Error: send HELO/EHLO first")
	})
}

func TestAuthRequiresTLSUnlessIgnored(t *testing.T) {
	Convey("AUTH without TLS is refused unless ignoreTLS is set", t, func() {
		ts := newTestSession(Config{
			RequireAuthentication: true,
			IgnoreTLS:             false,
			EnableAuthentication:  true,
		})
		defer ts.conn.nc.Close()
		ts.recv() // banner

		ts.send("EHLO client.example")
		ts.recv()

		ts.send("AUTH PLAIN")
		So(ts.recv(), ShouldContainSubstring, "530 5.7.0 Must issue a STARTTLS command first")
	})
}

func TestAuthPlainSuccess(t *testing.T) {
	Convey("AUTH PLAIN with a correct credential authenticates", t, func() {
		ts := newTestSession(Config{
			EnableAuthentication: true,
			IgnoreTLS:            true,
			Handlers: Handlers{
				OnAuthorizeUser: func(env *Envelope, username, secret string) error {
					if username == "alice" && secret == "secret" {
						return nil
					}
					return &SMTPError{Code: AuthFailed, Message: "nope"}
				},
			},
		})
		defer ts.conn.nc.Close()
		ts.recv() // banner

		ts.send("EHLO client.example")
		ts.recv()

		blob := base64.StdEncoding.EncodeToString([]byte("\x00alice\x00secret"))
		ts.send("AUTH PLAIN " + blob)
		So(ts.recv(), ShouldContainSubstring, "235 2.7.0 Authentication successful")
		So(ts.conn.auth.Username, ShouldEqual, "alice")
		So(ts.conn.auth.Authenticated, ShouldBeTrue)
	})
}

func TestRecipientDedup(t *testing.T) {
	Convey("The same recipient submitted twice is stored once", t, func() {
		ts := newTestSession(Config{})
		defer ts.conn.nc.Close()
		ts.recv() // banner

		ts.send("EHLO client.example")
		ts.recv()
		ts.send("MAIL FROM:<a@b.com>")
		ts.recv()

		ts.send("RCPT TO:<X@Y.COM>")
		So(ts.recv(), ShouldContainSubstring, "250 2.1.0 Ok")

		ts.send("RCPT TO:<X@Y.COM>")
		So(ts.recv(), ShouldContainSubstring, "250 2.1.0 Ok")

		So(len(ts.conn.envelope.To), ShouldEqual, 1)
		So(ts.conn.envelope.To[0].Domain, ShouldEqual, "y.com")
	})
}

func TestRsetIdempotent(t *testing.T) {
	Convey("RSET followed by RSET is equivalent to one RSET", t, func() {
		ts := newTestSession(Config{})
		defer ts.conn.nc.Close()
		ts.recv() // banner
		ts.send("EHLO client.example")
		ts.recv()
		ts.send("MAIL FROM:<a@b.com>")
		ts.recv()

		ts.send("RSET")
		So(ts.recv(), ShouldContainSubstring, "250")
		ts.send("RSET")
		So(ts.recv(), ShouldContainSubstring, "250")

		So(ts.conn.envelope.FromSet, ShouldBeFalse)
	})
}

func TestNoopPreservesState(t *testing.T) {
	Convey("NOOP does not change the envelope", t, func() {
		ts := newTestSession(Config{})
		defer ts.conn.nc.Close()
		ts.recv() // banner
		ts.send("EHLO client.example")
		ts.recv()
		ts.send("MAIL FROM:<a@b.com>")
		ts.recv()

		ts.send("NOOP")
		So(ts.recv(), ShouldContainSubstring, "250")

		So(ts.conn.envelope.From.String(), ShouldEqual, "a@b.com")
	})
}

func TestDotUnstuffedBodyDelivered(t *testing.T) {
	Convey("A line of two dots is delivered as one dot", t, func() {
		var gotChunks [][]byte
		ts := newTestSession(Config{
			Handlers: Handlers{
				OnData: func(env *Envelope, chunk []byte) error {
					cp := append([]byte(nil), chunk...)
					gotChunks = append(gotChunks, cp)
					return nil
				},
			},
		})
		defer ts.conn.nc.Close()
		ts.recv()
		ts.send("EHLO client.example")
		ts.recv()
		ts.send("MAIL FROM:<a@b.com>")
		ts.recv()
		ts.send("RCPT TO:<c@d.com>")
		ts.recv()
		ts.send("DATA")
		ts.recv()

		ts.send("..")
		ts.send(".")
		So(ts.recv(), ShouldContainSubstring, "250 2.0.0 Ok")

		var all []byte
		for _, c := range gotChunks {
			all = append(all, c...)
		}
		So(string(all), ShouldEqual, ".\r\n")
	})
}

// Command esmtpd is a sample embedder of the smtp package: it wires a
// JSON config file, a logrus logger, a user.DB-backed AUTH check, and a
// Maildir delivery backend into a running server. It's the thing the
// library's own README would point at, not itself part of the library.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/gopistolet/esmtpd/helpers"
	"github.com/gopistolet/esmtpd/smtp"
	"github.com/gopistolet/esmtpd/user"

	"github.com/sirupsen/logrus"
	maildir "github.com/sloonz/go-maildir"
)

// fileConfig is what config.json decodes into; it's a superset of
// smtp.Config with the bits that can't come straight from JSON (TLS
// certificate paths, account/maildir file paths) broken out.
type fileConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	smtp.Config

	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	AccountsFile string `json:"accounts_file"`
	MaildirPath  string `json:"maildir_path"`
}

func main() {
	configFile := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	log := logrus.New()

	var fc fileConfig
	if err := helpers.DecodeFile(*configFile, &fc); err != nil {
		log.WithError(err).Fatal("could not load config")
	}

	if fc.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	fc.Config.Logger = log

	if fc.TLSCertFile != "" && fc.TLSKeyFile != "" {
		cert, err := loadTLSConfig(fc.TLSCertFile, fc.TLSKeyFile)
		if err != nil {
			log.WithError(err).Fatal("could not load TLS certificate")
		}
		fc.Config.Credentials = cert
	}

	accounts, err := loadAccounts(fc.AccountsFile)
	if err != nil {
		log.WithError(err).Fatal("could not load accounts file")
	}
	fc.Config.Handlers.OnAuthorizeUser = accounts.Authorize

	if fc.MaildirPath != "" {
		md := maildir.Dir(fc.MaildirPath)
		buf := newMessageBuffer()
		fc.Config.Handlers.OnData = buf.append
		fc.Config.Handlers.OnDataReady = deliverToMaildir(log, md, buf)
	}

	srv := smtp.NewServer(fc.Config)
	log.WithFields(logrus.Fields{"host": fc.Host, "port": fc.Port}).Info("starting esmtpd")
	if err := srv.ListenAndServe(fc.Host, fc.Port); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

// messageBuffer accumulates each connection's DATA chunks keyed by its
// *smtp.Envelope, since Handlers.OnDataReady only sees the envelope, not
// the raw chunk stream Handlers.OnData delivers separately. The envelope
// pointer is stable for the lifetime of one connection, which is all the
// lifetime this buffer needs.
type messageBuffer struct {
	mu   sync.Mutex
	data map[*smtp.Envelope][]byte
}

func newMessageBuffer() *messageBuffer {
	return &messageBuffer{data: make(map[*smtp.Envelope][]byte)}
}

func (b *messageBuffer) append(env *smtp.Envelope, chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[env] = append(b.data[env], chunk...)
	return nil
}

func (b *messageBuffer) take(env *smtp.Envelope) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.data[env]
	delete(b.data, env)
	return data
}

// deliverToMaildir returns an OnDataReady handler that writes out
// whatever buf has accumulated for env as a single Maildir message, the
// way a small MDA would.
func deliverToMaildir(log logrus.FieldLogger, md maildir.Dir, buf *messageBuffer) func(*smtp.Envelope) (string, error) {
	return func(env *smtp.Envelope) (string, error) {
		data := buf.take(env)

		delivery, err := md.NewDelivery()
		if err != nil {
			return "", fmt.Errorf("maildir: %w", err)
		}
		if _, err := delivery.Write(data); err != nil {
			delivery.Abort()
			return "", fmt.Errorf("maildir: %w", err)
		}
		key, err := delivery.Close()
		if err != nil {
			return "", fmt.Errorf("maildir: %w", err)
		}
		log.WithFields(logrus.Fields{
			"from": env.From.String(),
			"to":   len(env.To),
			"key":  key,
		}).Info("delivered message")
		return key, nil
	}
}

func loadAccounts(path string) (*user.DB, error) {
	if path == "" {
		return &user.DB{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &user.DB{}, nil
	}
	return user.LoadDB(path)
}

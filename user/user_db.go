package user

import (
	"errors"
	"io/ioutil"
	"encoding/json"

	"github.com/gopistolet/esmtpd/smtp"
)

// DB is a JSON-file-backed Account store, generalized from the teacher's
// UserDB to also expose Authorize, the method cmd/esmtpd wires straight
// into Handlers.OnAuthorizeUser.
type DB struct {
	Accounts map[string]Account
}

// Exists reports whether name has an account in the DB.
func (db *DB) Exists(name string) bool {
	_, found := db.Accounts[name]
	return found
}

// Get returns the account for name.
func (db *DB) Get(name string) (*Account, error) {
	if a, found := db.Accounts[name]; found {
		return &a, nil
	}
	return nil, errors.New("user: account not found")
}

// Add inserts a new account, failing if name is already taken.
func (db *DB) Add(a Account) error {
	if db.Accounts == nil {
		db.Accounts = make(map[string]Account)
	}
	if db.Exists(a.Name) {
		return errors.New("user: account already exists")
	}
	db.Accounts[a.Name] = a
	return nil
}

// Authorize has the signature Handlers.OnAuthorizeUser expects: it
// ignores the envelope (this store doesn't need per-session context) and
// rejects with an SMTPError the AUTH dialogue already knows how to
// report as a 535.
func (db *DB) Authorize(env *smtp.Envelope, username, secret string) error {
	a, err := db.Get(username)
	if err != nil || !a.CheckSecret(secret) {
		return &smtp.SMTPError{
			Code:         smtp.AuthFailed,
			EnhancedCode: "5.7.8",
			Message:      "Authentication credentials invalid",
		}
	}
	return nil
}

// Save writes the DB to file as indented JSON.
func (db *DB) Save(file string) error {
	output, err := json.MarshalIndent(db, "", "\t")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(file, output, 0644)
}

// LoadDB reads a DB previously written by Save.
func LoadDB(file string) (*DB, error) {
	input, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}

	db := DB{}
	if err := json.Unmarshal(input, &db); err != nil {
		return nil, err
	}
	return &db, nil
}

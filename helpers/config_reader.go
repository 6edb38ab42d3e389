package helpers

import (
	"encoding/json"
	"errors"
	"os"
)

// DecodeFile JSON-decodes fileName's contents into object. Used by
// cmd/esmtpd to load its Config and by anything else that wants a plain
// JSON file without defining its own loader.
func DecodeFile(fileName string, object interface{}) error {
	file, err := os.Open(fileName)
	if err != nil {
		return errors.New("could not open file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(object); err != nil {
		return errors.New("could not parse file: " + err.Error())
	}
	return nil
}

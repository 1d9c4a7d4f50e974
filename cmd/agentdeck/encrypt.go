package main

import (
	"fmt"
	"io"

	"agentdeck/internal/infra/config"
)

// runEncrypt prints value encrypted for use as an "enc:" config secret.
func runEncrypt(value, passphrase string, w io.Writer) error {
	if passphrase == "" {
		return fmt.Errorf("AGENTDECK_CONFIG_KEY is not set")
	}
	if value == "" {
		return fmt.Errorf("nothing to encrypt")
	}
	enc, err := config.EncryptValue(value, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "enc:%s\n", enc)
	return err
}

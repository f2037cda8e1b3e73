package main

import (
	"errors"
	"fmt"
	"os"

	"llmshell/internal/infra/config"
)

// runEncrypt prints an "enc:" value that config.Load decrypts with
// LLMSHELL_CONFIG_KEY.
func runEncrypt(flags cliFlags) error {
	if len(flags.Args) != 1 {
		return errors.New("usage: LLMSHELL_CONFIG_KEY=... llmshell encrypt VALUE")
	}
	passphrase := os.Getenv("LLMSHELL_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("LLMSHELL_CONFIG_KEY is not set")
	}
	out, err := config.EncryptValue(flags.Args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + out)
	return nil
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vanish/pkg/e2e"
)

const maxStdin = 16 * 1024 * 1024

var (
	keyPassword string
	keyFragment string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random key fragment, shortened to fit the password if one is given",
	RunE: func(cmd *cobra.Command, args []string) error {
		frag, err := e2e.GenerateKey(keyPassword)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), frag)
		if keyPassword != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), color.CyanString("→")+" the password is part of the key; keep it next to this fragment")
		}
		return nil
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt stdin with --key and print base64 ciphertext",
	RunE: func(cmd *cobra.Command, args []string) error {
		plain, err := readInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		enc, err := e2e.Encrypt(plain, e2e.JoinKey(keyFragment, keyPassword))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), enc)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt base64 ciphertext from stdin with --key",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := readInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		plain, err := e2e.Decrypt(strings.TrimSpace(string(in)), e2e.JoinKey(keyFragment, keyPassword))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(plain)
		return err
	},
}

func readInput(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxStdin+1))
	if err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	if len(b) > maxStdin {
		return nil, errors.Errorf("input larger than %d bytes", maxStdin)
	}
	return b, nil
}

func init() {
	keygenCmd.Flags().StringVar(&keyPassword, "password", "", "password that completes the key")
	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().StringVar(&keyFragment, "key", "", "key fragment from keygen or a link")
		c.Flags().StringVar(&keyPassword, "password", "", "password that completes the key")
		_ = c.MarkFlagRequired("key")
	}
}

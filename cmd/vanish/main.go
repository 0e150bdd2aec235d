package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vanish",
	Short: "vanish - self-destructing, end-to-end encrypted secrets.",
	Long: `vanish stores client-side encrypted secrets that disappear after a
number of views or when their lifetime runs out.

Usage:
  vanish serve                  run the HTTP API
  vanish share < file           encrypt stdin and print a one-time link
  vanish open <link>            read and decrypt a secret
  vanish keygen|encrypt|decrypt work with keys and ciphertext offline
`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

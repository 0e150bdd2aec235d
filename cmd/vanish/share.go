package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vanish/pkg/e2e"
	"vanish/svc/api"
)

type shareOpts struct {
	Title       string
	TTL         int64
	Views       int
	Password    string
	AllowedIP   string
	PreventBurn bool
	Public      bool
	Files       []string
}

type opened struct {
	Text        []byte
	Title       string
	Files       map[string][]byte
	ViewsLeft   int
	PreventBurn bool
}

var (
	serverURL   string
	apiToken    string
	share       shareOpts
	askPassword bool
	openPass    string
	outDir      string
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Encrypt stdin locally, upload it and print the link",
	RunE: func(cmd *cobra.Command, args []string) error {
		plain, err := readInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if askPassword {
			if share.Password, err = promptPassword(cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		stop := startSpinner(cmd.ErrOrStderr(), "Encrypting and uploading...")
		link, err := shareSecret(cmd.Context(), newClient(serverURL, apiToken), plain, share)
		stop()
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("✗")+" "+err.Error())
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("✓")+" secret stored")
		fmt.Fprintln(cmd.OutOrStdout(), link)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <link>",
	Short: "Read a secret link and decrypt it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, id, fragment, err := parseLink(args[0])
		if err != nil {
			return err
		}
		prompt := func() (string, error) {
			if openPass != "" {
				return openPass, nil
			}
			return promptPassword(cmd.ErrOrStderr())
		}
		stop := startSpinner(cmd.ErrOrStderr(), "Fetching secret...")
		o, err := openSecret(cmd.Context(), newClient(server, apiToken), id, fragment, prompt, stop)
		stop()
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("✗")+" "+err.Error())
			return err
		}
		if o.Title != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), color.New(color.Bold).Sprint(o.Title))
		}
		if _, err := cmd.OutOrStdout().Write(o.Text); err != nil {
			return err
		}
		for name, data := range o.Files {
			if outDir == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), color.CyanString("→")+" attachment "+color.YellowString(name)+" (use --out-dir to save)")
				continue
			}
			p := filepath.Join(outDir, filepath.Base(name))
			if err := os.WriteFile(p, data, 0o600); err != nil {
				return errors.Wrap(err, "write attachment")
			}
			fmt.Fprintln(cmd.ErrOrStderr(), color.GreenString("✓")+" saved "+p)
		}
		switch {
		case o.PreventBurn:
			fmt.Fprintln(cmd.ErrOrStderr(), color.CyanString("→")+" secret stays readable until it expires or is burned")
		case o.ViewsLeft == 0:
			fmt.Fprintln(cmd.ErrOrStderr(), color.CyanString("→")+" secret destroyed")
		default:
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %d view(s) left\n", color.CyanString("→"), o.ViewsLeft)
		}
		return nil
	},
}

// shareSecret encrypts everything client side and returns the link. The
// server only ever sees ciphertext; the password also gates the read.
func shareSecret(ctx context.Context, c *client, plain []byte, o shareOpts) (string, error) {
	frag, err := e2e.GenerateKey(o.Password)
	if err != nil {
		return "", err
	}
	key := e2e.JoinKey(frag, o.Password)
	text, err := e2e.Encrypt(plain, key)
	if err != nil {
		return "", err
	}
	req := &api.CreateReq{
		Text:        text,
		Password:    o.Password,
		AllowedIP:   o.AllowedIP,
		PreventBurn: o.PreventBurn,
		IsPublic:    o.Public,
		TTL:         &o.TTL,
		MaxViews:    &o.Views,
	}
	if o.Title != "" {
		if req.Title, err = e2e.Encrypt([]byte(o.Title), key); err != nil {
			return "", err
		}
	}
	for _, path := range o.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrap(err, "read attachment")
		}
		enc, err := e2e.Encrypt(data, key)
		if err != nil {
			return "", err
		}
		req.Files = append(req.Files, api.FileReq{Name: filepath.Base(path), Content: enc})
	}
	resp, err := c.create(ctx, req)
	if err != nil {
		return "", err
	}
	return c.base + "/secret/" + resp.ID + "#" + frag, nil
}

// openSecret probes first so a password is only asked for when needed,
// then spends one view and decrypts. pause stops any progress output
// before prompting.
func openSecret(ctx context.Context, c *client, id, fragment string, prompt func() (string, error), pause func()) (*opened, error) {
	needs, err := c.needsPassword(ctx, id)
	if err != nil {
		return nil, err
	}
	var password string
	if needs {
		if pause != nil {
			pause()
		}
		if password, err = prompt(); err != nil {
			return nil, err
		}
	}
	resp, err := c.consume(ctx, id, password)
	if err != nil {
		return nil, err
	}
	key := e2e.JoinKey(fragment, password)
	o := &opened{ViewsLeft: resp.ViewsLeft, PreventBurn: resp.PreventBurn}
	if o.Text, err = e2e.Decrypt(resp.Secret, key); err != nil {
		return nil, err
	}
	if resp.Title != "" {
		t, err := e2e.Decrypt(resp.Title, key)
		if err != nil {
			return nil, err
		}
		o.Title = string(t)
	}
	for _, f := range resp.Files {
		data, err := e2e.Decrypt(f.Content, key)
		if err != nil {
			return nil, errors.Wrapf(err, "attachment %s", f.Name)
		}
		if o.Files == nil {
			o.Files = make(map[string][]byte)
		}
		o.Files[f.Name] = data
	}
	return o, nil
}

func promptPassword(w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required; pass --password")
	}
	fmt.Fprint(w, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(b), nil
}

// startSpinner shows progress on a terminal and returns an idempotent stop.
func startSpinner(w io.Writer, message string) func() {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}

func defaultServer() string {
	if v := os.Getenv("VANISH_SERVER"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func init() {
	for _, c := range []*cobra.Command{shareCmd, openCmd} {
		c.Flags().StringVar(&apiToken, "token", os.Getenv("VANISH_TOKEN"), "bearer token for privileged options")
	}
	f := shareCmd.Flags()
	f.StringVar(&serverURL, "server", defaultServer(), "vanish server base URL")
	f.StringVar(&share.Title, "title", "", "title, encrypted like the body")
	f.Int64Var(&share.TTL, "ttl", 86400, "lifetime in seconds")
	f.IntVar(&share.Views, "views", 1, "number of reads before the secret is destroyed")
	f.StringVar(&share.Password, "password", "", "password, required to read and part of the key")
	f.BoolVarP(&askPassword, "ask-password", "p", false, "prompt for the password")
	f.StringVar(&share.AllowedIP, "allowed-ip", "", "only allow reads from this IP or CIDR")
	f.BoolVar(&share.PreventBurn, "prevent-burn", false, "keep the secret after its last view until it expires")
	f.BoolVar(&share.Public, "public", false, "list the secret in the public gallery")
	f.StringSliceVarP(&share.Files, "file", "f", nil, "attach a file (repeatable)")

	openCmd.Flags().StringVar(&openPass, "password", "", "password, prompted for when needed and omitted")
	openCmd.Flags().StringVar(&outDir, "out-dir", "", "directory to save attachments in")
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"tokenrelay/internal/cache"
	"tokenrelay/internal/core"
	"tokenrelay/internal/credential"
	"tokenrelay/internal/usage"
)

const usageText = `usage: relaykey <command> [flags]

commands:
  create   issue a new credential and print its token once
  import   register an existing token read from stdin
  list     list credentials
  show     show one credential
  enable   re-enable a disabled credential
  disable  disable a credential
  delete   soft-delete a credential (kept, never usable again)
  purge    hard-delete a credential
  usage    summarize recorded usage
`

// cli runs one relaykey command against a credential store.
type cli struct {
	store        credential.Store
	reader       usage.Reader
	cache        cache.CredentialCache
	hasher       *credential.Hasher
	keyPrefix    string
	defaultLimit int64

	in  io.Reader
	out io.Writer
	// table renders human-readable tables instead of JSON.
	table bool
	// readSecret reads a token without echo; nil reads a line from in.
	readSecret func() (string, error)
	now        func() time.Time
}

var errUsage = errors.New("invalid usage")

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(c.out, usageText)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return c.create(ctx, rest)
	case "import":
		return c.importToken(ctx, rest)
	case "list":
		return c.list(ctx)
	case "show":
		return c.show(ctx, rest)
	case "enable":
		return c.setStatus(ctx, rest, core.StatusActive)
	case "disable":
		return c.setStatus(ctx, rest, core.StatusDisabled)
	case "delete":
		return c.setStatus(ctx, rest, core.StatusSoftDeleted)
	case "purge":
		return c.setStatus(ctx, rest, core.StatusHardDeleted)
	case "usage":
		return c.summarize(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(c.out, usageText)
		return nil
	default:
		fmt.Fprint(c.out, usageText)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// credentialFlags are shared by create and import.
type credentialFlags struct {
	fs             *flag.FlagSet
	name           *string
	limit          *int64
	tier           *string
	expires        *time.Duration
	allowedIPs     *string
	allowedOrigins *string
}

func (c *cli) newCredentialFlags(cmd string) *credentialFlags {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return &credentialFlags{
		fs:             fs,
		name:           fs.String("name", "", "display name"),
		limit:          fs.Int64("limit", c.defaultLimit, "token limit"),
		tier:           fs.String("tier", string(core.TierBasic), "rate limit tier: basic, premium or unlimited"),
		expires:        fs.Duration("expires", 0, "lifetime, e.g. 720h (0 = never)"),
		allowedIPs:     fs.String("allow-ip", "", "comma-separated IPs or CIDRs"),
		allowedOrigins: fs.String("allow-origin", "", "comma-separated origins"),
	}
}

func (f *credentialFlags) build(now time.Time) (*core.Credential, error) {
	tier, err := core.ParseTier(*f.tier)
	if err != nil {
		return nil, err
	}
	if *f.limit < 0 {
		return nil, fmt.Errorf("limit must be >= 0")
	}
	cred := &core.Credential{
		Name:           *f.name,
		TokenLimit:     *f.limit,
		Tier:           tier,
		AllowedIPs:     splitList(*f.allowedIPs),
		AllowedOrigins: splitList(*f.allowedOrigins),
	}
	if *f.expires > 0 {
		exp := now.Add(*f.expires).UTC()
		cred.ExpiresAt = &exp
	}
	return cred, nil
}

func (c *cli) create(ctx context.Context, args []string) error {
	f := c.newCredentialFlags("create")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	cred, err := f.build(c.now())
	if err != nil {
		return err
	}

	token, err := credential.GenerateToken(c.keyPrefix)
	if err != nil {
		return err
	}
	if err := c.insert(ctx, cred, token); err != nil {
		return err
	}

	if c.table {
		fmt.Fprintf(c.out, "created %s (%s)\n", cred.ID, cred.Name)
		fmt.Fprintf(c.out, "token: %s\n", token)
		fmt.Fprintln(c.out, "store this token now; it cannot be shown again")
		return nil
	}
	return c.writeJSON(struct {
		*core.Credential
		Token string `json:"token"`
	}{cred, token})
}

func (c *cli) importToken(ctx context.Context, args []string) error {
	f := c.newCredentialFlags("import")
	if err := f.fs.Parse(args); err != nil {
		return err
	}
	cred, err := f.build(c.now())
	if err != nil {
		return err
	}

	token, err := c.secret()
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}
	if err := c.insert(ctx, cred, token); err != nil {
		return err
	}
	return c.print([]*core.Credential{cred})
}

func (c *cli) insert(ctx context.Context, cred *core.Credential, token string) error {
	cred.KeyHash = c.hasher.Hash(token)
	cred.KeyPrefix = credential.Prefix(token)
	if err := c.store.Create(ctx, cred); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (c *cli) secret() (string, error) {
	if c.readSecret != nil {
		fmt.Fprint(c.out, "token: ")
		s, err := c.readSecret()
		fmt.Fprintln(c.out)
		return strings.TrimSpace(s), err
	}
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *cli) list(ctx context.Context) error {
	creds, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	return c.print(creds)
}

func (c *cli) show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: show <id>", errUsage)
	}
	cred, err := c.store.GetByID(ctx, args[0])
	if err != nil {
		return err
	}
	return c.print([]*core.Credential{cred})
}

func (c *cli) setStatus(ctx context.Context, args []string, status core.Status) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected exactly one credential id", errUsage)
	}
	id := args[0]
	cred, err := c.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Delete(ctx, cred.KeyHash); err != nil {
			slog.Warn("failed to evict cached credential", "error", err, "credential_id", id)
		}
	}
	fmt.Fprintf(c.out, "%s: %s -> %s\n", id, cred.Status, status)
	return nil
}

func (c *cli) summarize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	fs.SetOutput(c.out)
	id := fs.String("credential", "", "credential id (default: all)")
	since := fs.Duration("since", 0, "only entries newer than this, e.g. 24h")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.reader == nil {
		return fmt.Errorf("usage tracking is disabled")
	}

	q := usage.Query{CredentialID: *id}
	if *since > 0 {
		q.Since = c.now().Add(-*since)
	}
	s, err := c.reader.Summarize(ctx, q)
	if err != nil {
		return err
	}
	if !c.table {
		return c.writeJSON(s)
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "requests\t%d\n", s.Requests)
	fmt.Fprintf(w, "errors\t%d\n", s.Errors)
	fmt.Fprintf(w, "prompt tokens\t%d\n", s.PromptTokens)
	fmt.Fprintf(w, "completion tokens\t%d\n", s.CompletionTokens)
	fmt.Fprintf(w, "total tokens\t%d\n", s.TotalTokens)
	fmt.Fprintf(w, "cost\t$%.4f\n", s.TotalCost)
	return w.Flush()
}

func (c *cli) print(creds []*core.Credential) error {
	if !c.table {
		return c.writeJSON(creds)
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPREFIX\tSTATUS\tTIER\tUSED/LIMIT\tREQUESTS\tEXPIRES")
	for _, cr := range creds {
		expires := "-"
		if cr.ExpiresAt != nil {
			expires = cr.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			cr.ID, cr.Name, cr.KeyPrefix, cr.Status, cr.Tier,
			cr.TokensUsed, cr.TokenLimit, cr.RequestCount, expires)
	}
	return w.Flush()
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// terminalSecret reads a line from the controlling terminal without echo.
func terminalSecret() (string, error) {
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	return string(b), err
}

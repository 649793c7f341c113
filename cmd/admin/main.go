package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/logger"
	"rollcall/internal/store"
)

const usage = `usage: rollcall-admin <command> [flags]

commands:
  adduser  -email E [-role user|admin]   create an account, password read from the terminal
  export   [-o FILE]                     write the export document (stdout by default)
  import   FILE                          merge an export document, local records win
  migrate                                upgrade stored student records to the current schema
  report   -session ID [-format csv|xlsx] [-o FILE]
`

type app struct {
	repo     *attendance.Repository
	accounts *auth.Accounts
	log      zerolog.Logger
	stdin    io.Reader
	stdout   io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "admin").Logger()

	s, err := store.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store failed")
	}
	a := &app{
		repo:     attendance.NewRepository(s, log),
		accounts: auth.NewAccounts(s, log),
		log:      log,
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}
	err = a.run(context.Background(), os.Args[1], os.Args[2:])
	if cerr := s.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("store close failed")
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "adduser":
		return a.addUser(ctx, args)
	case "export":
		return a.export(ctx, args)
	case "import":
		return a.importFile(ctx, args)
	case "migrate":
		return a.migrate(ctx)
	case "report":
		return a.report(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) addUser(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	role := fs.String("role", auth.RoleUser, "user or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != auth.RoleUser && *role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", *role)
	}
	password, err := a.readPassword()
	if err != nil {
		return err
	}
	u, err := a.accounts.Register(ctx, *email, password, *role)
	if err != nil {
		return err
	}
	a.log.Info().Str("email", u.Email).Str("role", u.Role).Msg("account created")
	return nil
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func (a *app) readPassword() (string, error) {
	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := attendance.NewTransfer(a.repo, a.log).Export(ctx)
	if err != nil {
		return err
	}
	return a.writeTo(*out, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	})
}

func (a *app) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("import takes exactly one file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	sum, err := attendance.NewTransfer(a.repo, a.log).Import(ctx, data)
	if err != nil {
		return err
	}
	a.log.Info().
		Int("students_added", sum.Students.Added).Int("students_skipped", sum.Students.Skipped).
		Int("tags_added", sum.NFCRegistry.Added).Int("tags_skipped", sum.NFCRegistry.Skipped).
		Int("sessions_added", sum.Sessions.Added).
		Msg("import finished")
	for _, f := range append(append(sum.Students.Failed, sum.NFCRegistry.Failed...), sum.Sessions.Failed...) {
		a.log.Warn().Str("key", f.Key).Str("error", f.Error).Msg("item not imported")
	}
	return nil
}

func (a *app) migrate(ctx context.Context) error {
	sum, err := a.repo.Migrate(ctx)
	if err != nil {
		return err
	}
	a.log.Info().Int("scanned", sum.Scanned).Int("upgraded", sum.Upgraded).Int("failed", len(sum.Failed)).Msg("migration finished")
	return nil
}

func (a *app) report(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id")
	format := fs.String("format", "csv", "csv or xlsx")
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return errors.New("-session required")
	}
	rep, err := attendance.NewReports(a.repo).SessionReport(ctx, *sessionID)
	if err != nil {
		return err
	}
	switch *format {
	case "csv":
		return a.writeTo(*out, rep.WriteCSV)
	case "xlsx":
		if *out == "" {
			*out = fmt.Sprintf("attendance_%s.xlsx", *sessionID)
		}
		return a.writeTo(*out, rep.WriteXLSX)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
}

func (a *app) writeTo(path string, write func(io.Writer) error) error {
	if path == "" {
		return write(a.stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.log.Info().Str("file", path).Msg("written")
	return nil
}

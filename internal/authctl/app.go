package authctl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

// UserStore is the part of the user service the commands need.
type UserStore interface {
	Create(ctx context.Context, p services.CreateUserParams) (*models.User, error)
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// Inviter sends invitations.
type Inviter interface {
	Invite(ctx context.Context, email string, role models.Role) (*models.User, error)
}

var ErrUsage = errors.New("usage error")

type App struct {
	users   UserStore
	inviter Inviter
	reader  *bufio.Reader
	out     io.Writer
}

func NewApp(users UserStore, inviter Inviter, in io.Reader, out io.Writer) *App {
	return &App{users: users, inviter: inviter, reader: bufio.NewReader(in), out: out}
}

func Usage(w io.Writer) {
	fmt.Fprint(w, `usage: authctl <command> [flags]

commands:
  create-admin  -email <email> [-name <name>]   create an active admin with a password
  invite        -email <email> [-role viewer|manager|admin]
  purge-sessions
`)
}

// Run dispatches args (without the program name) to a command.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		Usage(a.out)
		return ErrUsage
	}

	switch args[0] {
	case "create-admin":
		return a.createAdmin(ctx, args[1:])
	case "invite":
		return a.invite(ctx, args[1:])
	case "purge-sessions":
		return a.purgeSessions(ctx)
	case "help", "-h", "--help":
		Usage(a.out)
		return nil
	default:
		Usage(a.out)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
}

func (a *App) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func (a *App) createAdmin(ctx context.Context, args []string) error {
	fs := a.flagSet("create-admin")
	email := fs.String("email", "", "admin email")
	name := fs.String("name", "", "display name")
	if err := parseKnown(fs, args); err != nil {
		return err
	}

	if *email == "" {
		v, err := GetSimpleText(a.reader, "Email", a.out)
		if err != nil {
			return err
		}
		*email = v
	}

	pw, err := GetPassword("Password", a.out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer common.WipeByteArray(pw)

	confirm, err := GetPassword("Repeat password", a.out)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	defer common.WipeByteArray(confirm)

	if !bytes.Equal(pw, confirm) {
		return fmt.Errorf("%w: passwords do not match", ErrUsage)
	}

	password := string(pw)
	p := services.CreateUserParams{
		Email:         *email,
		Password:      &password,
		EmailVerified: true,
		Role:          models.RoleAdmin,
	}
	if *name != "" {
		p.Name = name
	}

	u, err := a.users.Create(ctx, p)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "created admin %s (id %d)\n", u.Email, u.ID)
	return nil
}

func (a *App) invite(ctx context.Context, args []string) error {
	fs := a.flagSet("invite")
	email := fs.String("email", "", "invitee email")
	role := fs.String("role", string(models.RoleViewer), "role to grant")
	if err := parseKnown(fs, args); err != nil {
		return err
	}

	if *email == "" {
		return fmt.Errorf("%w: -email is required", ErrUsage)
	}
	r := models.Role(strings.ToLower(*role))
	if !r.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrUsage, *role)
	}

	u, err := a.inviter.Invite(ctx, *email, r)
	if err != nil {
		return err
	}

	if u.InviteExpiresAt != nil {
		fmt.Fprintf(a.out, "invited %s as %s, expires %s\n", u.Email, u.Role, u.InviteExpiresAt.Format("2006-01-02 15:04 MST"))
	} else {
		fmt.Fprintf(a.out, "invited %s as %s\n", u.Email, u.Role)
	}
	return nil
}

func (a *App) purgeSessions(ctx context.Context) error {
	n, err := a.users.PurgeExpiredSessions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d expired sessions\n", n)
	return nil
}

// parseKnown parses only the flags fs defines so that server config flags
// sharing the same command line are left alone.
func parseKnown(fs *flag.FlagSet, args []string) error {
	var allowed []string
	fs.VisitAll(func(f *flag.Flag) {
		allowed = append(allowed, "-"+f.Name, "--"+f.Name)
	})
	if err := fs.Parse(flagx.FilterArgs(args, allowed)); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	return nil
}

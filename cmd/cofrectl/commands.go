package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"cofre/internal/cli"
	"cofre/internal/config"
	"cofre/internal/core"
	applog "cofre/internal/log"
)

var commands = []subcommands.Command{
	&vaultsCmd{},
	&ensureDefaultCmd{},
	&recordCmd{},
	&amendCmd{},
	&removeCmd{},
	&recomputeCmd{},
	&auditCmd{},
	&exportCmd{},
}

var stdout io.Writer = os.Stdout

// ownerFlag is shared by every command acting on one owner's vaults.
type ownerFlag struct {
	owner string
}

func (o *ownerFlag) register(f *flag.FlagSet) {
	f.StringVar(&o.owner, "owner", os.Getenv("COFRE_OWNER"), "Owner of the vaults. Defaults to $COFRE_OWNER.")
}

func (o *ownerFlag) check() error {
	if o.owner == "" {
		return errors.New("-owner is required")
	}
	return nil
}

// run bootstraps the backend, runs fn and maps its error to an exit status.
func run(ctx context.Context, opts cli.BootstrapOptions, fn func(context.Context, *cli.App) error) subcommands.ExitStatus {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}

	lvl := applog.ParseLevel(cfg.LogLevel)
	if lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	logger := applog.New(applog.Config{
		Level:     lvl,
		Component: "cofrectl",
		Handler:   applog.NewHandler(os.Stderr, cfg.LogFormat, lvl),
	})

	app, err := cli.Bootstrap(ctx, logger, cfg, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	defer app.Close()

	if err := fn(ctx, app); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}

func printVaults(w io.Writer, currency string, vaults []core.Vault) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBALANCE\tTARGET")
	for _, v := range vaults {
		target := "-"
		if v.Target != nil {
			target = v.Target.Format(currency)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Balance.Format(currency), target)
	}
	tw.Flush()
}

type vaultsCmd struct {
	ownerFlag
}

func (*vaultsCmd) Name() string     { return "vaults" }
func (*vaultsCmd) Synopsis() string { return "list the vaults of an owner" }
func (*vaultsCmd) Usage() string {
	return `cofrectl vaults -owner <id>

  Lists vaults with their cached balance and target.
`
}
func (c *vaultsCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *vaultsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{}, func(ctx context.Context, app *cli.App) error {
		vaults, err := app.Vaults.ListVaults(ctx, c.owner)
		if err != nil {
			return err
		}
		printVaults(stdout, app.Config.Currency, vaults)
		return nil
	})
}

type ensureDefaultCmd struct {
	ownerFlag
}

func (*ensureDefaultCmd) Name() string     { return "ensure-default" }
func (*ensureDefaultCmd) Synopsis() string { return "create the default vault when the owner has none" }
func (*ensureDefaultCmd) Usage() string {
	return `cofrectl ensure-default -owner <id>
`
}
func (c *ensureDefaultCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *ensureDefaultCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{}, func(ctx context.Context, app *cli.App) error {
		v, err := app.Vaults.EnsureDefaultVault(ctx, c.owner)
		if err != nil {
			return err
		}
		printVaults(stdout, app.Config.Currency, []core.Vault{v})
		return nil
	})
}

type recordCmd struct {
	ownerFlag
	vault       string
	kind        string
	amount      string
	description string
	date        string
}

func (*recordCmd) Name() string     { return "record" }
func (*recordCmd) Synopsis() string { return "record a deposit or withdrawal" }
func (*recordCmd) Usage() string {
	return `cofrectl record -owner <id> -vault <id> -kind <deposit|withdrawal> -amount <n> [-desc <text>] [-date <date>]

  Records a movement and applies it to the vault balance.
`
}

func (c *recordCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.vault, "vault", "", "Vault receiving the movement.")
	f.StringVar(&c.kind, "kind", "", "deposit or withdrawal.")
	f.StringVar(&c.amount, "amount", "", "Positive amount with at most two decimals.")
	f.StringVar(&c.description, "desc", "", "Optional description.")
	f.StringVar(&c.date, "date", "", "When the movement happened. Defaults to now.")
}

func (c *recordCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	in, err := c.input()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{Publish: true}, func(ctx context.Context, app *cli.App) error {
		m, err := app.Vaults.Record(ctx, c.owner, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "recorded %s %s %s in %s\n", m.ID, m.Kind, m.Amount.Format(app.Config.Currency), m.VaultID)
		return nil
	})
}

func (c *recordCmd) input() (core.MovementInput, error) {
	kind, err := core.ParseKind(c.kind)
	if err != nil {
		return core.MovementInput{}, err
	}
	amount, err := core.ParseMoney(c.amount)
	if err != nil {
		return core.MovementInput{}, err
	}
	in := core.MovementInput{VaultID: c.vault, Kind: kind, Amount: amount, Description: c.description}
	if c.date != "" {
		if in.OccurredAt, err = parseWhen(c.date); err != nil {
			return core.MovementInput{}, err
		}
	}
	return in, nil
}

type amendCmd struct {
	ownerFlag
	id          string
	kind        string
	amount      string
	description string
	date        string
}

func (*amendCmd) Name() string     { return "amend" }
func (*amendCmd) Synopsis() string { return "change fields of a recorded movement" }
func (*amendCmd) Usage() string {
	return `cofrectl amend -owner <id> -id <movement> [-kind <k>] [-amount <n>] [-desc <text>] [-date <date>]

  Only the flags given on the command line are changed.
`
}

func (c *amendCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.id, "id", "", "Movement to amend.")
	f.StringVar(&c.kind, "kind", "", "New kind.")
	f.StringVar(&c.amount, "amount", "", "New amount.")
	f.StringVar(&c.description, "desc", "", "New description.")
	f.StringVar(&c.date, "date", "", "New date.")
}

func (c *amendCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	if c.id == "" {
		fmt.Fprintln(os.Stderr, "-id is required")
		return subcommands.ExitUsageError
	}
	patch, err := c.patch(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{Publish: true}, func(ctx context.Context, app *cli.App) error {
		m, err := app.Vaults.Amend(ctx, c.owner, c.id, patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "amended %s %s %s\n", m.ID, m.Kind, m.Amount.Format(app.Config.Currency))
		return nil
	})
}

func (c *amendCmd) patch(f *flag.FlagSet) (core.MovementPatch, error) {
	var (
		patch core.MovementPatch
		err   error
	)
	f.Visit(func(fl *flag.Flag) {
		if err != nil {
			return
		}
		switch fl.Name {
		case "kind":
			var k core.Kind
			if k, err = core.ParseKind(c.kind); err == nil {
				patch.Kind = &k
			}
		case "amount":
			var a core.Money
			if a, err = core.ParseMoney(c.amount); err == nil {
				patch.Amount = &a
			}
		case "desc":
			d := c.description
			patch.Description = &d
		case "date":
			var t time.Time
			if t, err = parseWhen(c.date); err == nil {
				patch.OccurredAt = &t
			}
		}
	})
	return patch, err
}

type removeCmd struct {
	ownerFlag
	id string
}

func (*removeCmd) Name() string     { return "remove" }
func (*removeCmd) Synopsis() string { return "delete a movement and reverse its effect" }
func (*removeCmd) Usage() string {
	return `cofrectl remove -owner <id> -id <movement>
`
}

func (c *removeCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.id, "id", "", "Movement to remove.")
}

func (c *removeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil || c.id == "" {
		fmt.Fprintln(os.Stderr, "-owner and -id are required")
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{Publish: true}, func(ctx context.Context, app *cli.App) error {
		if err := app.Vaults.Remove(ctx, c.owner, c.id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", c.id)
		return nil
	})
}

type recomputeCmd struct {
	ownerFlag
	vault string
}

func (*recomputeCmd) Name() string     { return "recompute" }
func (*recomputeCmd) Synopsis() string { return "rebuild a vault balance from its movements" }
func (*recomputeCmd) Usage() string {
	return `cofrectl recompute -owner <id> -vault <id>
`
}

func (c *recomputeCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.vault, "vault", "", "Vault to recompute.")
}

func (c *recomputeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil || c.vault == "" {
		fmt.Fprintln(os.Stderr, "-owner and -vault are required")
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{Publish: true}, func(ctx context.Context, app *cli.App) error {
		balance, err := app.Vaults.Recompute(ctx, c.owner, c.vault)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s balance %s\n", c.vault, balance.Format(app.Config.Currency))
		return nil
	})
}

type auditCmd struct {
	ownerFlag
	vault  string
	repair bool
}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "compare cached balances with the movement log" }
func (*auditCmd) Usage() string {
	return `cofrectl audit [-owner <id> -vault <id>] [-repair]

  Without -vault every vault of every owner is audited.
`
}

func (c *auditCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.vault, "vault", "", "Audit a single vault.")
	f.BoolVar(&c.repair, "repair", false, "Recompute drifted vaults.")
}

func (c *auditCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.vault != "" && c.owner == "" {
		fmt.Fprintln(os.Stderr, "-owner is required with -vault")
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{}, func(ctx context.Context, app *cli.App) error {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		defer tw.Flush()
		fmt.Fprintln(tw, "VAULT\tCACHED\tCOMPUTED\tDIFFERENCE\tSTATUS")

		if c.vault != "" {
			d, err := app.Vaults.Audit(ctx, c.owner, c.vault)
			if err != nil {
				return err
			}
			status := "ok"
			if !d.Balanced() {
				status = "drift"
				if c.repair {
					if _, err := app.Vaults.Recompute(ctx, c.owner, c.vault); err != nil {
						return err
					}
					status = "repaired"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.VaultID, d.Cached.StringFixed(), d.Computed.StringFixed(), d.Difference().StringFixed(), status)
			return nil
		}

		results, err := app.Vaults.AuditAll(ctx, c.repair)
		for _, r := range results {
			status := "ok"
			switch {
			case r.Err != nil:
				status = "error: " + r.Err.Error()
			case r.Repaired:
				status = "repaired"
			case !r.Drift.Balanced():
				status = "drift"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Vault.ID, r.Drift.Cached.StringFixed(), r.Drift.Computed.StringFixed(), r.Drift.Difference().StringFixed(), status)
		}
		return err
	})
}

type exportCmd struct {
	ownerFlag
	vault  string
	upload bool
}

func (*exportCmd) Name() string     { return "export" }
func (*exportCmd) Synopsis() string { return "write a CSV report of vaults or movements" }
func (*exportCmd) Usage() string {
	return `cofrectl export -owner <id> [-vault <id>] [-upload]

  Writes the vaults report, or the movements of -vault, to stdout.
  With -upload the report is stored in the export bucket instead.
`
}

func (c *exportCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.vault, "vault", "", "Export the movements of this vault.")
	f.BoolVar(&c.upload, "upload", false, "Upload to object storage.")
}

func (c *exportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.check(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	return run(ctx, cli.BootstrapOptions{Exports: c.upload}, func(ctx context.Context, app *cli.App) error {
		if c.upload {
			obj, err := app.Exports.Upload(ctx, c.owner, c.vault)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "uploaded %s (%d bytes)\n", obj.Key, obj.Size)
			return nil
		}
		if c.vault == "" {
			return app.Exports.WriteVaultsCSV(ctx, stdout, c.owner)
		}
		return app.Exports.WriteMovementsCSV(ctx, stdout, c.owner, c.vault)
	})
}

type tokenCmd struct {
	user string
	ttl  time.Duration
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "issue an API bearer token" }
func (*tokenCmd) Usage() string {
	return `cofrectl token -user <id> [-ttl <duration>]

  Signs a token with JWT_SECRET for the given user.
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "Subject of the token.")
	f.DurationVar(&c.ttl, "ttl", 24*time.Hour, "Token lifetime.")
}

func (c *tokenCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		return subcommands.ExitUsageError
	}
	authenticator, err := cli.NewAuthenticator(config.Load())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	token, err := authenticator.IssueToken(c.user, c.ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	fmt.Fprintln(stdout, token)
	return subcommands.ExitSuccess
}

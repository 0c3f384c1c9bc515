package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/franksops/gridxfer/account"
	"github.com/franksops/gridxfer/store"
)

func main() {
	app := &cli.App{
		Name:  "gxfer",
		Usage: "Queue and run transfers between local disk and a storage grid",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "state-dir", Usage: "directory holding gxfer.yaml and the queue database", EnvVars: []string{"GXFER_STATE_DIR"}},
			&cli.StringFlag{Name: "pass-phrase", Usage: "pass phrase protecting stored account secrets"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "tui", Usage: "show the terminal UI while transfers run"},
			&cli.IntFlag{Name: "max-errors", Usage: "item errors before a transfer is abandoned, -1 for unlimited"},
			&cli.BoolFlag{Name: "checksum", Usage: "verify every item with CRC64 after writing"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite existing targets"},
		},
		Commands: []*cli.Command{
			accountCommand(),
			enqueueCommand("put", "Upload a local file or directory into a grid collection", store.KindPut),
			enqueueCommand("get", "Download a grid file or collection into a local directory", store.KindGet),
			enqueueCommand("copy", "Copy a grid file or collection to another collection", store.KindCopy),
			enqueueCommand("synch", "Mirror a local directory into a grid collection", store.KindSynch),
			{
				Name:      "replicate",
				Usage:     "Replicate a grid file or collection onto another resource",
				ArgsUsage: "SOURCE",
				Flags:     []cli.Flag{accountFlag(), &cli.StringFlag{Name: "resource", Aliases: []string{"r"}, Required: true}},
				Action: with(func(c *cli.Context, a *app) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: gxfer replicate SOURCE --resource R", 2)
					}
					t, err := a.manager.EnqueueReplicate(c.Args().First(), c.String("resource"), c.String("account"))
					if err != nil {
						return err
					}
					a.log.WithField("transfer_id", t.ID).Info("replication enqueued")
					return a.drain(c)
				}),
			},
			{
				Name:   "run",
				Usage:  "Process the queue until it is empty",
				Action: with(func(c *cli.Context, a *app) error { return a.drain(c) }),
			},
			{
				Name:  "queue",
				Usage: "List transfers",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "recent", Usage: "most recent transfers, newest first"},
					&cli.BoolFlag{Name: "errors", Usage: "transfers that ended in error"},
					&cli.BoolFlag{Name: "warnings", Usage: "transfers with item errors"},
				},
				Action: with(func(c *cli.Context, a *app) error {
					list := a.manager.CurrentQueue
					switch {
					case c.Bool("recent"):
						list = a.manager.RecentQueue
					case c.Bool("errors"):
						list = a.manager.ErrorQueue
					case c.Bool("warnings"):
						list = a.manager.WarningQueue
					}
					transfers, err := list()
					if err != nil {
						return err
					}
					printTransfers(os.Stdout, transfers)
					return nil
				}),
			},
			{
				Name:      "items",
				Usage:     "List the item records of a transfer",
				ArgsUsage: "ID",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "errors", Usage: "failed items only"}},
				Action: with(func(c *cli.Context, a *app) error {
					id, err := transferID(c)
					if err != nil {
						return err
					}
					list := a.manager.AllTransferItems
					if c.Bool("errors") {
						list = a.manager.ErrorTransferItems
					}
					items, err := list(id)
					if err != nil {
						return err
					}
					printItems(os.Stdout, items)
					return nil
				}),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued transfer",
				ArgsUsage: "ID",
				Action: with(func(c *cli.Context, a *app) error {
					id, err := transferID(c)
					if err != nil {
						return err
					}
					return a.manager.CancelTransfer(id)
				}),
			},
			{
				Name:      "restart",
				Usage:     "Re-run a finished transfer from its last checkpoint",
				ArgsUsage: "ID",
				Action: with(func(c *cli.Context, a *app) error {
					id, err := transferID(c)
					if err != nil {
						return err
					}
					if _, err := a.manager.RestartTransfer(id); err != nil {
						return err
					}
					return a.drain(c)
				}),
			},
			{
				Name:      "resubmit",
				Usage:     "Re-run a finished transfer from the beginning",
				ArgsUsage: "ID",
				Action: with(func(c *cli.Context, a *app) error {
					id, err := transferID(c)
					if err != nil {
						return err
					}
					if _, err := a.manager.ResubmitTransfer(id); err != nil {
						return err
					}
					return a.drain(c)
				}),
			},
			{
				Name:  "purge",
				Usage: "Delete finished transfers and their items",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "successful", Usage: "only transfers that completed without errors"}},
				Action: with(func(c *cli.Context, a *app) error {
					purge := a.manager.PurgeAllTransfers
					if c.Bool("successful") {
						purge = a.manager.PurgeSuccessfulTransfers
					}
					n, err := purge()
					if err != nil {
						return err
					}
					fmt.Printf("purged %d transfers\n", n)
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func accountFlag() cli.Flag {
	return &cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "account name or id", Required: true}
}

func enqueueCommand(name, usage string, kind store.Kind) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "SOURCE TARGET",
		Flags: []cli.Flag{
			accountFlag(),
			&cli.StringFlag{Name: "resource", Aliases: []string{"r"}, Usage: "target resource, defaults to the account's"},
		},
		Action: with(func(c *cli.Context, a *app) error {
			if c.NArg() != 2 {
				return cli.Exit(fmt.Sprintf("usage: gxfer %s SOURCE TARGET", name), 2)
			}
			enqueue := map[store.Kind]func(string, string, string, string) (*store.Transfer, error){
				store.KindPut:   a.manager.EnqueuePut,
				store.KindGet:   a.manager.EnqueueGet,
				store.KindCopy:  a.manager.EnqueueCopy,
				store.KindSynch: a.manager.EnqueueSynch,
			}[kind]
			t, err := enqueue(c.Args().Get(0), c.Args().Get(1), c.String("resource"), c.String("account"))
			if err != nil {
				return err
			}
			a.log.WithFields(logrus.Fields{"transfer_id": t.ID, "kind": kind}).Info("transfer enqueued")
			return a.drain(c)
		}),
	}
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Manage grid accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add or update an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "kind", Value: string(account.KindS3), Usage: "s3, minio or local"},
					&cli.StringFlag{Name: "endpoint", Usage: "service URL, or the grid root directory for local accounts"},
					&cli.StringFlag{Name: "region"},
					&cli.StringFlag{Name: "access-key"},
					&cli.StringFlag{Name: "secret", EnvVars: []string{"GXFER_SECRET"}},
					&cli.StringFlag{Name: "zone", Usage: "key prefix all paths live under"},
					&cli.StringFlag{Name: "default-resource", Usage: "bucket used when a transfer names none"},
					&cli.StringFlag{Name: "comment"},
				},
				Action: with(func(c *cli.Context, a *app) error {
					acct, err := a.accounts.AddOrUpdate(account.Account{
						Name:            c.String("name"),
						Kind:            account.Kind(c.String("kind")),
						Endpoint:        c.String("endpoint"),
						Region:          c.String("region"),
						AccessKey:       c.String("access-key"),
						Secret:          c.String("secret"),
						Zone:            c.String("zone"),
						DefaultResource: c.String("default-resource"),
						Comment:         c.String("comment"),
					})
					if err != nil {
						return err
					}
					fmt.Printf("stored account %s (%s)\n", acct.Name, acct.ID)
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List accounts",
				Action: with(func(c *cli.Context, a *app) error {
					accounts, err := a.accounts.List()
					if err != nil {
						return err
					}
					t := table.New().Border(lipgloss.NormalBorder()).
						Headers("NAME", "KIND", "ENDPOINT", "ZONE", "DEFAULT RESOURCE", "ID")
					for _, acct := range accounts {
						t.Row(acct.Name, string(acct.Kind), acct.Endpoint, acct.Zone, acct.DefaultResource, acct.ID)
					}
					fmt.Println(t.Render())
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "Remove an account",
				ArgsUsage: "NAME",
				Action: with(func(c *cli.Context, a *app) error {
					if c.NArg() != 1 {
						return cli.Exit("usage: gxfer account remove NAME", 2)
					}
					return a.accounts.Remove(c.Args().First())
				}),
			},
			{
				Name:  "passphrase",
				Usage: "Replace the pass phrase and re-seal every stored secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "new", Required: true, EnvVars: []string{"GXFER_NEW_PASS_PHRASE"}},
				},
				Action: with(func(c *cli.Context, a *app) error {
					if err := a.accounts.StorePassPhrase(c.String("new")); err != nil {
						return err
					}
					fmt.Println("pass phrase replaced")
					return nil
				}),
			},
		},
	}
}

func transferID(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, errors.New("expected exactly one transfer id")
	}
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transfer id %q: %w", c.Args().First(), err)
	}
	return id, nil
}

func printTransfers(w io.Writer, transfers []*store.Transfer) {
	t := table.New().Border(lipgloss.NormalBorder()).
		Headers("ID", "KIND", "STATE", "STATUS", "FILES", "ERRORS", "SOURCE", "TARGET", "RESOURCE")
	for _, tr := range transfers {
		t.Row(
			strconv.FormatUint(tr.ID, 10),
			string(tr.Kind),
			string(tr.State),
			string(tr.Status),
			fmt.Sprintf("%d/%d", tr.TransferredFiles, tr.TotalFiles),
			strconv.Itoa(tr.ErrorCount),
			tr.SourcePath,
			tr.TargetPath,
			tr.Resource,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func printItems(w io.Writer, items []*store.Item) {
	t := table.New().Border(lipgloss.NormalBorder()).
		Headers("SEQ", "RESULT", "SOURCE", "TARGET", "BYTES", "MESSAGE")
	for _, it := range items {
		result := "OK"
		switch {
		case it.Error:
			result = "ERROR"
		case it.Skipped:
			result = "SKIPPED"
		}
		t.Row(
			strconv.FormatUint(it.Seq, 10),
			result,
			it.SourcePath,
			it.TargetPath,
			strconv.FormatInt(it.Bytes, 10),
			it.ErrorMessage,
		)
	}
	fmt.Fprintln(w, t.Render())
}

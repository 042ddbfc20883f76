package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"ARS-Engine/internal/config"
	"ARS-Engine/internal/engine"
	"ARS-Engine/internal/txlog"
	"ARS-Engine/internal/web3/provider"
)

var txFlags = []cli.Flag{
	&cli.StringFlag{Name: "sender", Usage: "transaction sender", Required: true},
	&cli.Uint64Flag{Name: "nonce", Usage: "sender nonce"},
	&cli.StringFlag{Name: "id", Usage: "idempotency key, generated when empty"},
	&cli.BoolFlag{Name: "wait", Usage: "block until the transaction reaches a final status"},
	&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "how long --wait blocks"},
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "submit a transaction of any kind with a raw JSON payload",
		ArgsUsage: "<kind>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "payload", Usage: "JSON payload"},
		}, txFlags...),
		Action: func(c *cli.Context) error {
			kind := engine.Kind(strings.TrimSpace(c.Args().First()))
			if kind == "" {
				return cli.ShowSubcommandHelp(c)
			}
			var payload any
			if raw := c.String("payload"); raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(raw)
			}
			return submit(c, kind, payload)
		},
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "register an agent",
		Flags: append([]cli.Flag{
			&cli.Uint64Flag{Name: "stake", Usage: "stake bonded at registration", Required: true},
			&cli.StringFlag{Name: "owner", Usage: "owner account"},
			&cli.StringFlag{Name: "type", Usage: "agent type"},
		}, txFlags...),
		Action: func(c *cli.Context) error {
			return submit(c, engine.KindRegisterAgent, engine.RegisterAgentPayload{
				Owner: c.String("owner"),
				Stake: c.Uint64("stake"),
				Type:  c.String("type"),
			})
		},
	}
}

func stakeCommand() *cli.Command {
	amount := func(kind engine.Kind) cli.ActionFunc {
		return func(c *cli.Context) error {
			return submit(c, kind, engine.StakePayload{Amount: c.Uint64("amount")})
		}
	}
	flags := append([]cli.Flag{
		&cli.Uint64Flag{Name: "amount", Required: true},
	}, txFlags...)
	return &cli.Command{
		Name:  "stake",
		Usage: "move the sender's agent stake in or out of escrow",
		Subcommands: []*cli.Command{
			{Name: "add", Usage: "bond more stake from the sender's balance", Flags: flags, Action: amount(engine.KindAddStake)},
			{Name: "withdraw", Usage: "release unlocked stake back to the sender", Flags: flags, Action: amount(engine.KindWithdrawStake)},
		},
	}
}

func voteCommand() *cli.Command {
	return &cli.Command{
		Name:  "vote",
		Usage: "stake on a proposal outcome",
		Flags: append([]cli.Flag{
			&cli.Uint64Flag{Name: "proposal", Required: true},
			&cli.BoolFlag{Name: "prediction", Usage: "predict the proposal passes"},
			&cli.Uint64Flag{Name: "stake", Required: true},
		}, txFlags...),
		Action: func(c *cli.Context) error {
			return submit(c, engine.KindVote, engine.VotePayload{
				Proposal:   c.Uint64("proposal"),
				Prediction: c.Bool("prediction"),
				Stake:      c.Uint64("stake"),
			})
		},
	}
}

func tickCommand() *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "enqueue a heartbeat that rolls epochs and activates pending oracle values",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "wait"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *txlog.Service) error {
				record, err := txlog.NewScheduler(svc, 0).Tick(ctx)
				if err != nil {
					return err
				}
				return report(c, svc, record)
			})
		},
	}
}

func journalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "inspect the transaction journal",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id := c.Args().First()
					if id == "" {
						return cli.ShowSubcommandHelp(c)
					}
					return withService(c, func(ctx context.Context, svc *txlog.Service) error {
						record, err := svc.Get(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(c, record)
					})
				},
			},
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status"},
					&cli.StringSliceFlag{Name: "kind"},
					&cli.StringFlag{Name: "sender"},
					&cli.StringFlag{Name: "code", Usage: "filter by error code"},
					&cli.StringFlag{Name: "query", Usage: "substring match on id, sender or error"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
					&cli.BoolFlag{Name: "asc", Usage: "oldest first"},
				},
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *txlog.Service) error {
						records, err := svc.List(ctx, listOptions(c)...)
						if err != nil {
							return err
						}
						return printJSON(c, records)
					})
				},
			},
			{
				Name: "stats",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *txlog.Service) error {
						stats, err := svc.Stats(ctx)
						if err != nil {
							return err
						}
						return printJSON(c, stats)
					})
				},
			},
		},
	}
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "rebuild protocol state from genesis and the applied journal, then print it",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.Storage.Journal.Driver == "memory" {
				return errors.New("arsctl needs a shared journal; the memory driver is private to arsd")
			}
			genesis, err := cfg.Genesis()
			if err != nil {
				return err
			}
			ctx := c.Context
			store, err := txlog.OpenStore(ctx, cfg.Storage.Journal)
			if err != nil {
				return err
			}
			defer store.Close()
			eng, err := engine.New(ctx, genesis, engine.MemoryCollaborators(genesis)...)
			if err != nil {
				return err
			}
			if _, err := txlog.Replay(ctx, store, eng); err != nil {
				return err
			}
			return printJSON(c, eng.Snapshot())
		},
	}
}

func chainCommand() *cli.Command {
	return &cli.Command{
		Name:  "chain",
		Usage: "inspect configured chains",
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "print the latest block of every configured chain",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if !cfg.Web3.Enabled {
						return errors.New("web3 is disabled in the configuration")
					}
					ctx, cancel := context.WithTimeout(c.Context, 15*time.Second)
					defer cancel()
					registry, err := provider.NewRegistry(ctx, cfg.Web3)
					if err != nil {
						return err
					}
					defer registry.Close()
					snapshots, err := registry.Snapshots(ctx)
					if err != nil {
						return err
					}
					return printJSON(c, snapshots)
				},
			},
		},
	}
}

func submit(c *cli.Context, kind engine.Kind, payload any) error {
	tx, err := engine.NewTx(kind, c.String("sender"), c.Uint64("nonce"), 0, payload)
	if err != nil {
		return err
	}
	tx.ID = c.String("id")
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	return withService(c, func(ctx context.Context, svc *txlog.Service) error {
		record, err := svc.Submit(ctx, tx)
		if err != nil {
			return err
		}
		return report(c, svc, record)
	})
}

func report(c *cli.Context, svc *txlog.Service, record *txlog.Record) error {
	if !c.Bool("wait") {
		return printJSON(c, record)
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	final, err := svc.WaitUntilFinal(ctx, record.ID, 0)
	if err != nil {
		return err
	}
	return printJSON(c, final)
}

func listOptions(c *cli.Context) []txlog.ListOption {
	opts := []txlog.ListOption{
		txlog.WithLimit(c.Int("limit")),
		txlog.WithOffset(c.Int("offset")),
		txlog.WithSender(c.String("sender")),
		txlog.WithErrorCode(c.String("code")),
		txlog.WithQuery(c.String("query")),
	}
	if statuses := c.StringSlice("status"); len(statuses) > 0 {
		list := make([]txlog.Status, 0, len(statuses))
		for _, s := range statuses {
			list = append(list, txlog.Status(s))
		}
		opts = append(opts, txlog.WithStatuses(list...))
	}
	if kinds := c.StringSlice("kind"); len(kinds) > 0 {
		list := make([]engine.Kind, 0, len(kinds))
		for _, k := range kinds {
			list = append(list, engine.Kind(k))
		}
		opts = append(opts, txlog.WithKinds(list...))
	}
	if c.Bool("asc") {
		opts = append(opts, txlog.WithSortOrder(txlog.SortByUpdatedAsc))
	}
	return opts
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

// withService opens the configured journal and queue. An in-memory journal
// lives inside arsd, so arsctl refuses to run against one.
func withService(c *cli.Context, fn func(ctx context.Context, svc *txlog.Service) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Storage.Journal.Driver == "memory" || cfg.Queue.Driver == "memory" {
		return errors.New("arsctl needs a shared journal and queue; memory drivers are private to arsd")
	}
	ctx := c.Context
	store, err := txlog.OpenStore(ctx, cfg.Storage.Journal)
	if err != nil {
		return err
	}
	queue, err := txlog.OpenQueue(cfg.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}
	svc := txlog.NewService(store, queue, cfg.Engine.MaxRetries)
	defer svc.Close()
	return fn(ctx, svc)
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(os.Stdout)
	if c.Bool("pretty") {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

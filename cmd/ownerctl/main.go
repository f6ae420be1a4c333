package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/seedguard/cmd/flags"
	"github.com/ruteri/seedguard/common"
	"github.com/ruteri/seedguard/config"
	"github.com/ruteri/seedguard/cryptoutils"
	"github.com/ruteri/seedguard/interfaces"
	"github.com/ruteri/seedguard/ownerapp"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Value:   "seedguard.yaml",
	EnvVars: []string{"SEEDGUARD_CONFIG"},
	Usage:   "client configuration file",
}
var flagPassword = &cli.StringFlag{
	Name:    "password",
	EnvVars: []string{"SEEDGUARD_PASSWORD"},
	Usage:   "account password",
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens the configured app for the duration of one command.
func withApp(fn func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		cfg, err := config.Load(cCtx.String(flagConfig.Name))
		if err != nil {
			return err
		}
		logger := common.SetupLogger(&common.LoggingOpts{
			Debug:   cfg.Log.Debug || cCtx.Bool(flags.LogDebugFlag.Name),
			JSON:    cfg.Log.JSON || cCtx.Bool(flags.LogJsonFlag.Name),
			Service: cfg.Log.Service,
			Version: common.Version,
		})
		app, err := ownerapp.Open(cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return fn(ctx, cCtx, app)
	}
}

func passwordProof(cCtx *cli.Context, app *ownerapp.App) (interfaces.PasswordProof, error) {
	password := cCtx.String(flagPassword.Name)
	if password == "" {
		return interfaces.PasswordProof{}, errors.New("--password is required")
	}
	return interfaces.PasswordProof{CryptographicPassword: cryptoutils.DerivePasswordProof(password, app.Client.AccountID())}, nil
}

func participantArg(cCtx *cli.Context, i int) (interfaces.ParticipantId, error) {
	if cCtx.NArg() <= i {
		return interfaces.ParticipantId{}, errors.New("missing participant id argument")
	}
	return interfaces.ParseParticipantId(cCtx.Args().Get(i))
}

func stringArg(cCtx *cli.Context, i int, name string) (string, error) {
	if cCtx.NArg() <= i {
		return "", fmt.Errorf("missing %s argument", name)
	}
	return cCtx.Args().Get(i), nil
}

// prospect finds a staged prospect by participant id.
func prospect(ctx context.Context, app *ownerapp.App, pid interfaces.ParticipantId) (interfaces.ProspectApprover, error) {
	state, err := app.Current(ctx)
	if err != nil {
		return interfaces.ProspectApprover{}, err
	}
	setup := interfaces.PolicySetupOf(state)
	if setup == nil {
		return interfaces.ProspectApprover{}, interfaces.ErrPolicySetupRequired
	}
	p, ok := setup.Prospect(pid)
	if !ok {
		return interfaces.ProspectApprover{}, fmt.Errorf("%w: prospect %s", interfaces.ErrNotFound, pid)
	}
	return *p, nil
}

var ownerCommands = []*cli.Command{
	{
		Name:  "status",
		Usage: "print the account state",
		Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
			user, err := app.Refresher.Refresh(ctx)
			if err != nil {
				return err
			}
			return printJSON(user)
		}),
	},
	{
		Name:  "enroll-password",
		Usage: "set the account password",
		Flags: []cli.Flag{flagPassword},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			proof, err := passwordProof(cCtx, app)
			if err != nil {
				return err
			}
			state, err := app.Client.EnrollPassword(ctx, proof)
			if err != nil {
				return err
			}
			return printJSON(interfaces.UserState{OwnerState: state})
		}),
	},
	{
		Name:  "unlock",
		Usage: "unlock the account on this device",
		Flags: []cli.Flag{flagPassword},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			proof, err := passwordProof(cCtx, app)
			if err != nil {
				return err
			}
			_, err = app.Session.Unlock(ctx, proof)
			if err != nil {
				return err
			}
			fmt.Printf("unlocked until %s\n", app.Session.LocksAt().Format("15:04:05"))
			return nil
		}),
	},
	{
		Name:  "lock",
		Usage: "lock the account",
		Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
			_, err := app.Session.Lock(ctx)
			return err
		}),
	},
	{
		Name:      "stage",
		Usage:     "stage approvers for the next policy",
		ArgsUsage: "[label...]",
		Flags: []cli.Flag{&cli.StringSliceFlag{
			Name:  "drop",
			Usage: "participant id of a staged or current approver to remove",
		}},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			var drop []interfaces.ParticipantId
			for _, raw := range cCtx.StringSlice("drop") {
				pid, err := interfaces.ParseParticipantId(raw)
				if err != nil {
					return err
				}
				drop = append(drop, pid)
			}
			state, err := app.StageApprovers(ctx, cCtx.Args().Slice(), drop...)
			if err != nil {
				return err
			}
			return printJSON(interfaces.PolicySetupOf(state))
		}),
	},
	{
		Name:      "invite",
		Usage:     "print the invitation token of a staged approver",
		ArgsUsage: "<participant-id>",
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			pid, err := participantArg(cCtx, 0)
			if err != nil {
				return err
			}
			p, err := prospect(ctx, app, pid)
			if err != nil {
				return err
			}
			token, err := app.Owner.InvitationToken(ctx, p)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		}),
	},
	{
		Name:      "code",
		Usage:     "print the code to read to a staged approver",
		ArgsUsage: "<participant-id>",
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			pid, err := participantArg(cCtx, 0)
			if err != nil {
				return err
			}
			p, err := prospect(ctx, app, pid)
			if err != nil {
				return err
			}
			code, valid, err := app.Owner.CurrentCode(ctx, p)
			if err != nil {
				return err
			}
			fmt.Printf("%s (valid for %s)\n", code, valid.Round(time.Second))
			return nil
		}),
	},
	{
		Name:  "create-policy",
		Usage: "commit the first policy from the confirmed approvers",
		Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
			state, err := app.CreatePolicy(ctx)
			if err != nil {
				return err
			}
			return printJSON(interfaces.UserState{OwnerState: state})
		}),
	},
	{
		Name:  "replace-policy",
		Usage: "commit the staged approvers through an available ReplacePolicy access",
		Flags: []cli.Flag{flagPassword},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			proof, err := passwordProof(cCtx, app)
			if err != nil {
				return err
			}
			state, err := app.ReplacePolicy(ctx, proof)
			if err != nil {
				return err
			}
			app.Scheduler.Wait()
			return printJSON(interfaces.UserState{OwnerState: state})
		}),
	},
	{
		Name:  "recover-owner-key",
		Usage: "rotate the owner key through an available RecoverOwnerKey access",
		Flags: []cli.Flag{flagPassword},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			proof, err := passwordProof(cCtx, app)
			if err != nil {
				return err
			}
			state, err := app.RecoverOwnerKey(ctx, proof)
			if err != nil {
				return err
			}
			app.Scheduler.Wait()
			return printJSON(interfaces.UserState{OwnerState: state})
		}),
	},
	{
		Name:  "store",
		Usage: "encrypt a seed phrase into the vault",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "label", Required: true},
			&cli.StringFlag{Name: "phrase", Required: true, EnvVars: []string{"SEEDGUARD_PHRASE"}},
		},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			ready, err := app.Ready(ctx)
			if err != nil {
				return err
			}
			_, err = app.Policy.StoreSeedPhrase(ctx, ready, cCtx.String("label"), cCtx.String("phrase"))
			return err
		}),
	},
	{
		Name:      "delete",
		Usage:     "delete a vault entry",
		ArgsUsage: "<guid>",
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			guid, err := stringArg(cCtx, 0, "guid")
			if err != nil {
				return err
			}
			_, err = app.Policy.DeleteSeedPhrase(ctx, guid)
			return err
		}),
	},
	{
		Name:  "reveal",
		Usage: "decrypt the vault through an available AccessPhrases access",
		Flags: []cli.Flag{flagPassword},
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			proof, err := passwordProof(cCtx, app)
			if err != nil {
				return err
			}
			ready, err := app.Ready(ctx)
			if err != nil {
				return err
			}
			secrets, err := app.Policy.AccessSeedPhrases(ctx, ready, proof)
			if err != nil {
				return err
			}
			return printJSON(secrets)
		}),
	},
	{
		Name:      "request-access",
		Usage:     "open an access record",
		ArgsUsage: "<AccessPhrases|ReplacePolicy|RecoverOwnerKey>",
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			intent, err := stringArg(cCtx, 0, "intent")
			if err != nil {
				return err
			}
			ready, err := app.Ready(ctx)
			if err != nil {
				return err
			}
			state, err := app.Access.Request(ctx, ready, interfaces.AccessIntent(intent))
			if err != nil {
				return err
			}
			return printJSON(interfaces.UserState{OwnerState: state})
		}),
	},
	{
		Name:      "verify-access",
		Usage:     "submit the code an approver read out",
		ArgsUsage: "<participant-id> <code>",
		Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
			pid, err := participantArg(cCtx, 0)
			if err != nil {
				return err
			}
			code, err := stringArg(cCtx, 1, "code")
			if err != nil {
				return err
			}
			_, err = app.Access.SubmitVerification(ctx, pid, code)
			return err
		}),
	},
	{
		Name:  "cancel-access",
		Usage: "delete the access record",
		Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
			_, err := app.Access.Delete(ctx)
			return err
		}),
	},
	{
		Name:  "run",
		Usage: "keep state fresh and answer approver verifications until interrupted",
		Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
			return app.Run(ctx)
		}),
	},
}

func approval(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) (interfaces.ApproverAccessRequest, error) {
	id, err := stringArg(cCtx, 0, "approval id")
	if err != nil {
		return interfaces.ApproverAccessRequest{}, err
	}
	return app.Approval(ctx, id)
}

var approverCommand = &cli.Command{
	Name:  "approver",
	Usage: "act as approver for other accounts",
	Subcommands: []*cli.Command{
		{
			Name:      "accept",
			Usage:     "accept an invitation",
			ArgsUsage: "<token>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				token, err := stringArg(cCtx, 0, "token")
				if err != nil {
					return err
				}
				role, err := app.AcceptInvitation(ctx, token)
				if err != nil {
					return err
				}
				return printJSON(role)
			}),
		},
		{
			Name:      "verify",
			Usage:     "submit the code the owner read out",
			ArgsUsage: "<invitation-id> <code>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				id, err := stringArg(cCtx, 0, "invitation id")
				if err != nil {
					return err
				}
				code, err := stringArg(cCtx, 1, "code")
				if err != nil {
					return err
				}
				role, err := app.Role(ctx, id)
				if err != nil {
					return err
				}
				return app.Invitations.SubmitVerification(ctx, role, code)
			}),
		},
		{
			Name:      "decline",
			Usage:     "decline an invitation",
			ArgsUsage: "<invitation-id>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				id, err := stringArg(cCtx, 0, "invitation id")
				if err != nil {
					return err
				}
				role, err := app.Role(ctx, id)
				if err != nil {
					return err
				}
				return app.Invitations.Decline(ctx, role)
			}),
		},
		{
			Name:  "approvals",
			Usage: "list access requests addressed to this account",
			Action: withApp(func(ctx context.Context, _ *cli.Context, app *ownerapp.App) error {
				requests, err := app.Client.ListApprovals(ctx)
				if err != nil {
					return err
				}
				return printJSON(requests)
			}),
		},
		{
			Name:      "acknowledge",
			Usage:     "start verification of an access request",
			ArgsUsage: "<approval-id>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				req, err := approval(ctx, cCtx, app)
				if err != nil {
					return err
				}
				return app.Approvals.Acknowledge(ctx, req)
			}),
		},
		{
			Name:      "code",
			Usage:     "print the code to read to the owner",
			ArgsUsage: "<approval-id>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				req, err := approval(ctx, cCtx, app)
				if err != nil {
					return err
				}
				code, valid, err := app.Approvals.CurrentCode(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("%s (valid for %s)\n", code, valid.Round(time.Second))
				return nil
			}),
		},
		{
			Name:      "review",
			Usage:     "check the owner's code and release the shard",
			ArgsUsage: "<approval-id>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				req, err := approval(ctx, cCtx, app)
				if err != nil {
					return err
				}
				released, err := app.Approvals.Review(ctx, req)
				if err != nil {
					return err
				}
				if !released {
					fmt.Println("owner verification did not match; asked the owner to retry")
					return nil
				}
				fmt.Println("shard released")
				return nil
			}),
		},
		{
			Name:      "reject",
			Usage:     "refuse an access request",
			ArgsUsage: "<approval-id>",
			Action: withApp(func(ctx context.Context, cCtx *cli.Context, app *ownerapp.App) error {
				req, err := approval(ctx, cCtx, app)
				if err != nil {
					return err
				}
				return app.Approvals.Reject(ctx, req)
			}),
		},
	},
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "write a client configuration file",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "server", Required: true, Usage: "server base URL"},
		&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
		&cli.StringSliceFlag{Name: "keystore", Usage: "keystore URI, repeatable"},
	},
	Action: func(cCtx *cli.Context) error {
		cfg := config.Default()
		cfg.ServerURL = cCtx.String("server")
		cfg.AccountID = cCtx.String("account")
		if keystores := cCtx.StringSlice("keystore"); len(keystores) > 0 {
			cfg.Keystores = keystores
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return config.Save(cCtx.String(flagConfig.Name), &cfg)
	},
}

func main() {
	if err := flags.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	commands := append([]*cli.Command{initCommand, approverCommand}, ownerCommands...)
	app := &cli.App{
		Name:     "ownerctl",
		Usage:    "Owner and approver client for seed phrase guardianship",
		Flags:    append([]cli.Flag{flagConfig}, flags.LoggingFlags...),
		Commands: commands,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// Command provision runs one agent identity provisioning workflow from the command line,
// signing transactions with a local key.
//
// Example usage:
//
//	provision --token-contract 0x... --registry-contract 0x... \
//	  --agent-endpoint https://agents.example/api \
//	  --private-key $KEY --state-store sqlite://./workflows.db \
//	  --name Scout --description demo --capability search --token-id 42
//
//	provision ... --state-store sqlite://./workflows.db --resume <workflow id>
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/agent-identity-provisioner/cmd/flags"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/ruteri/agent-identity-provisioner/wallet"
	"github.com/urfave/cli/v2"
)

var (
	privateKeyFlag = &cli.StringFlag{
		Name:    "private-key",
		Usage:   "hex encoded signing key",
		EnvVars: []string{"PRIVATE_KEY"},
	}
	keystoreFlag = &cli.StringFlag{
		Name:  "keystore",
		Usage: "path to an encrypted keystore file, used instead of --private-key",
	}
	keystorePasswordFlag = &cli.StringFlag{
		Name:    "keystore-password",
		EnvVars: []string{"KEYSTORE_PASSWORD"},
	}
	resumeFlag = &cli.StringFlag{
		Name:  "resume",
		Usage: "id of a stored workflow to resume after its last completed step",
	}
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "agent name",
	}
	descriptionFlag = &cli.StringFlag{
		Name:  "description",
		Usage: "agent description",
	}
	capabilityFlag = &cli.StringSliceFlag{
		Name:  "capability",
		Usage: "agent capability; repeat for several",
	}
	tokenIDFlag = &cli.StringFlag{
		Name:  "token-id",
		Usage: "id of the access token to burn",
	}
)

func main() {
	cliFlags := []cli.Flag{
		flags.LogServiceFlagFn("agent-provision"),
		privateKeyFlag,
		keystoreFlag,
		keystorePasswordFlag,
		resumeFlag,
		nameFlag,
		descriptionFlag,
		capabilityFlag,
		tokenIDFlag,
	}
	cliFlags = append(cliFlags, flags.LogFlags...)
	cliFlags = append(cliFlags, flags.ProvisioningFlags...)

	app := &cli.App{
		Name:  "provision",
		Usage: "Provision an agent identity with a local signing key",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			key, err := loadKey(cCtx)
			if err != nil {
				logger.Error("Failed to load signing key", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			cCtx.Context = ctx

			components, err := flags.BuildComponents(cCtx, logger, prometheus.NewRegistry())
			if err != nil {
				logger.Error("Failed to set up provisioning pipeline", "err", err)
				return err
			}
			defer components.Close()

			orch := components.Orchestrator
			orch.OnUpdate(func(state *interfaces.WorkflowState) {
				attrs := []any{slog.String("workflowID", state.ID), slog.String("step", state.Step.String())}
				if state.SignatureRequest != nil {
					attrs = append(attrs, slog.String("signing", state.SignatureRequest.Purpose))
				}
				logger.Info("Workflow updated", attrs...)
			})

			session := wallet.NewKeyedSession(key, logger)
			logger.Info("Signing with account", "account", session.Account().Hex())

			var final *interfaces.WorkflowState
			if id := cCtx.String(resumeFlag.Name); id != "" {
				final, err = orch.Resume(ctx, id, session)
			} else {
				final, err = orch.Start(ctx, interfaces.ProvisionFormData{
					AgentName:    cCtx.String(nameFlag.Name),
					Description:  cCtx.String(descriptionFlag.Name),
					Capabilities: cCtx.StringSlice(capabilityFlag.Name),
					TokenID:      cCtx.String(tokenIDFlag.Name),
				}, session)
			}

			if final != nil {
				if err := printState(final); err != nil {
					return err
				}
			}

			switch {
			case errors.Is(err, context.Canceled) && final != nil:
				logger.Warn("Interrupted, resume with --resume", "workflowID", final.ID)
				return err
			case err != nil:
				logger.Error("Provisioning failed", "err", err)
				return err
			case final.Failure != nil:
				logger.Error("Provisioning failed",
					"kind", final.Failure.Kind,
					"failedStep", final.Failure.FailedStep.String(),
					"retryable", final.Failure.Retryable,
					"detail", final.Failure.Detail)
				return cli.Exit(final.Failure.Message, 1)
			}

			logger.Info("Agent identity provisioned", "workflowID", final.ID, "identityID", final.IdentityID)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	if path := cCtx.String(keystoreFlag.Name); path != "" {
		return wallet.KeyFromKeystore(path, cCtx.String(keystorePasswordFlag.Name))
	}
	if hexKey := cCtx.String(privateKeyFlag.Name); hexKey != "" {
		return wallet.KeyFromHex(hexKey)
	}
	return nil, fmt.Errorf("one of --%s or --%s is required", privateKeyFlag.Name, keystoreFlag.Name)
}

func printState(state *interfaces.WorkflowState) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

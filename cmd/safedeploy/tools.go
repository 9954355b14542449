package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Bidon15/safedeploy/internal/artifacts"
	"github.com/Bidon15/safedeploy/internal/config"
	"github.com/Bidon15/safedeploy/internal/singleton"
	"github.com/Bidon15/safedeploy/internal/store"
)

var errNoDatabase = errors.New("SAFEDEPLOY_DATABASE_URL is not set")

func loadRegistry() (*singleton.Registry, error) {
	project, err := loadProject()
	if err != nil {
		return nil, err
	}
	return singleton.LoadRegistry(os.DirFS(project.Artifacts.SingletonFactoryDir))
}

func newFactoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Inspect the Safe singleton factory registry",
	}

	show := &cobra.Command{
		Use:   "show <chain-id>",
		Short: "Show the singleton factory deployment of a chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chain ID %q: %w", args[0], err)
			}
			registry, err := loadRegistry()
			if err != nil {
				return err
			}
			info, err := registry.Resolve(chainID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, map[string]any{
					"chainId":  chainID,
					"factory":  info.Factory.Hex(),
					"deployer": info.Deployer.Hex(),
					"funding":  info.FundingString(),
					"signedTx": info.SignedTx.String(),
				})
			}
			_, _ = fmt.Fprintf(out, "Factory:   %s\n", info.Factory.Hex())
			_, _ = fmt.Fprintf(out, "Deployer:  %s\n", info.Deployer.Hex())
			_, _ = fmt.Fprintf(out, "Funding:   %s wei\n", info.FundingString())
			if verbose {
				_, _ = fmt.Fprintf(out, "Signed tx: %s\n", info.SignedTx.String())
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the chains with a singleton factory deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry()
			if err != nil {
				return err
			}
			ids := registry.ChainIDs()
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), ids)
			}
			for _, id := range ids {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.AddCommand(show, list)
	return cmd
}

func newCodesizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codesize",
		Short: "Report contract code sizes against the EIP-170 and EIP-3860 limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject()
			if err != nil {
				return err
			}
			sizes, err := artifacts.ScanCodeSizes(project.Artifacts.BuildDir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, sizes)
			}
			w := newTable(out)
			_, _ = fmt.Fprintln(w, "CONTRACT\tDEPLOYED\tINIT\tSTATUS")
			for _, s := range sizes {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", s.Contract, s.DeployedBytes, s.InitBytes, s.Status)
			}
			return w.Flush()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the deployment record database schema",
	}

	run := func(name string, fn func(string) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Run %s migrations", name),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				url := settings().DatabaseURL
				if url == "" {
					return errNoDatabase
				}
				if err := fn(url); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "migrations %s complete\n", name)
				return nil
			},
		}
	}

	cmd.AddCommand(run("up", store.MigrateUp), run("down", store.MigrateDown))
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the project and environment settings with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := loadProject()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Project  *config.Project `json:"project"`
				Settings config.Settings `json:"settings"`
			}{project, settings().Masked()})
		},
	}

	cmd.AddCommand(show)
	return cmd
}

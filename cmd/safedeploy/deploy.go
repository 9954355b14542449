package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/Bidon15/safedeploy/internal/accounts"
	"github.com/Bidon15/safedeploy/internal/config"
	"github.com/Bidon15/safedeploy/internal/preflight"
	"github.com/Bidon15/safedeploy/internal/runner"
	"github.com/Bidon15/safedeploy/internal/singleton"
	"github.com/Bidon15/safedeploy/internal/steps"
)

var (
	networkName    = "localhost"
	deployTags     []string
	deploymentsDir string
)

func addNetworkFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&networkName, "network", "n", "localhost", "network defined in the project file")
}

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment steps on a network",
		Long: `Run the deployment steps on a network.

Steps run in order and the run stops at the first failure:
  safe4337   SafeModuleSetup (networks tagged "safe" only)
  verifiers  DaimoP256Verifier, FCLP256Verifier
  recovery   SocialRecoveryModule

Contracts already deployed with the same bytecode and arguments are reused.`,
		Example: `  safedeploy deploy --network sepolia
  safedeploy deploy --network fvmCalibration --tags recovery`,
		Args: cobra.NoArgs,
		RunE: runDeploy,
	}
	addNetworkFlag(cmd)
	cmd.Flags().StringSliceVar(&deployTags, "tags", nil, "only run the named steps (safe4337, verifiers, recovery)")
	cmd.Flags().StringVar(&deploymentsDir, "deployments-dir", "", "directory of deployment records (overrides the project file)")
	return cmd
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	project, err := loadProject()
	if err != nil {
		return err
	}
	network, err := project.Network(networkName, config.Env(v))
	if err != nil {
		return err
	}
	registry, err := singleton.LoadRegistry(os.DirFS(project.Artifacts.SingletonFactoryDir))
	if err != nil {
		return err
	}

	s := settings()
	dir := project.DeploymentsDir
	if deploymentsDir != "" {
		dir = deploymentsDir
	}
	st, closeStore, err := openStore(ctx, s, dir)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := runner.NewMetrics()
	summary, runErr := runner.Run(ctx, runner.Options{
		Network:       network,
		AccountSource: accountSource(s),
		NamedAccounts: project.NamedAccounts,
		Registry:      registry,
		Artifacts:     artifactSource(project),
		Store:         st,
		Steps:         steps.All(),
		Tags:          deployTags,
		Logger:        logger,
		Metrics:       metrics,
		Getenv:        config.Env(v),
	})

	if s.MetricsPushURL != "" {
		if err := metrics.Push(ctx, s.MetricsPushURL, network.Name); err != nil {
			logger.Warn("failed to push metrics", slog.String("error", err.Error()))
		}
	}

	if summary != nil {
		if err := printSummary(cmd, summary); err != nil {
			return err
		}
	}
	return runErr
}

func printSummary(cmd *cobra.Command, summary *runner.Summary) error {
	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, summary)
	}

	_, _ = fmt.Fprintf(out, "Run %s on %s (chain %d)\n", summary.RunID, summary.Network, summary.ChainID)
	_, _ = fmt.Fprintf(out, "Singleton factory: %s\n\n", summary.Factory)

	w := newTable(out)
	_, _ = fmt.Fprintln(w, "STEP\tDURATION\tSTATUS")
	for _, st := range summary.Steps {
		status := "ok"
		if st.Error != "" {
			status = "failed: " + st.Error
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", st.Name, st.Duration.Round(time.Millisecond), status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(summary.Records) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out)
	w = newTable(out)
	_, _ = fmt.Fprintln(w, "CONTRACT\tADDRESS\tARGS")
	for _, rec := range summary.Records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ContractName, rec.Address.Hex(), strings.Join(rec.Args, ","))
	}
	return w.Flush()
}

func newPreflightCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that a network is ready for deployment",
		Long: `Check that a network is ready for deployment: the RPC answers, the chain ID
matches, the chain has a singleton factory entry and the deployer can pay for
the factory bootstrap.`,
		Args: cobra.NoArgs,
		RunE: runPreflight,
	}
	addNetworkFlag(cmd)
	return cmd
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	project, err := loadProject()
	if err != nil {
		return err
	}
	network, err := project.Network(networkName, config.Env(v))
	if err != nil {
		return err
	}
	registry, err := singleton.LoadRegistry(os.DirFS(project.Artifacts.SingletonFactoryDir))
	if err != nil {
		return err
	}

	client, err := ethclient.DialContext(ctx, network.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network.Name, err)
	}
	defer client.Close()

	book, err := deployerBook(ctx, client, project)
	if err != nil {
		return err
	}

	resp, err := preflight.NewChecker().WithClient(client).RunChecks(ctx, &preflight.Request{
		Network:  network.Name,
		RPC:      network.URL,
		ChainID:  network.ChainID,
		Deployer: book.Named()[steps.DeployerAccount],
		Registry: registry,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if err := printJSON(out, resp); err != nil {
			return err
		}
	} else {
		w := newTable(out)
		_, _ = fmt.Fprintln(w, "CHECK\tRESULT\tMESSAGE")
		for _, c := range resp.Checks {
			result := "pass"
			if !c.Passed {
				result = "FAIL"
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, result, c.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if !resp.OK {
		return fmt.Errorf("network %s failed pre-flight checks", network.Name)
	}
	return nil
}

func deployerBook(ctx context.Context, client *ethclient.Client, project *config.Project) (*accounts.Book, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain ID: %w", err)
	}
	signers, err := accounts.Signers(accountSource(settings()), chainID)
	if err != nil {
		return nil, err
	}
	return accounts.NewBook(project.NamedAccounts, signers)
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-local",
		Short: "Compare deployed code with the stored deployment records",
		Long: `Compare the code at every recorded address with the runtime bytecode stored
in its deployment record. Contracts with immutables report a mismatch even
when correctly deployed.`,
		Args: cobra.NoArgs,
		RunE: runVerify,
	}
	addNetworkFlag(cmd)
	cmd.Flags().StringVar(&deploymentsDir, "deployments-dir", "", "directory of deployment records (overrides the project file)")
	return cmd
}

type verifyResult struct {
	Contract string `json:"contract"`
	Address  string `json:"address"`
	Status   string `json:"status"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	project, err := loadProject()
	if err != nil {
		return err
	}
	network, err := project.Network(networkName, config.Env(v))
	if err != nil {
		return err
	}

	dir := project.DeploymentsDir
	if deploymentsDir != "" {
		dir = deploymentsDir
	}
	st, closeStore, err := openStore(ctx, settings(), dir)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := st.List(ctx, network.Name)
	if err != nil {
		return err
	}

	client, err := ethclient.DialContext(ctx, network.URL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network.Name, err)
	}
	defer client.Close()

	var results []verifyResult
	failed := 0
	for _, rec := range records {
		code, err := client.CodeAt(ctx, rec.Address, nil)
		if err != nil {
			return fmt.Errorf("get code of %s: %w", rec.ContractName, err)
		}
		status := "match"
		switch {
		case len(code) == 0:
			status = "missing"
			failed++
		case len(rec.DeployedBytecode) == 0:
			status = "unknown"
		case !bytes.Equal(code, rec.DeployedBytecode):
			status = "mismatch"
			failed++
		}
		results = append(results, verifyResult{Contract: rec.ContractName, Address: rec.Address.Hex(), Status: status})
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		w := newTable(out)
		_, _ = fmt.Fprintln(w, "CONTRACT\tADDRESS\tSTATUS")
		for _, r := range results {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Contract, r.Address, r.Status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d contracts do not match their records", failed, len(records))
	}
	return nil
}

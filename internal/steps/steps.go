// Package steps holds the deployment steps of the passkey and recovery
// modules.
package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/Bidon15/safedeploy/internal/deploy"
)

// Contract names.
const (
	SafeModuleSetup      = "SafeModuleSetup"
	DaimoP256Verifier    = "DaimoP256Verifier"
	FCLP256Verifier      = "FCLP256Verifier"
	SocialRecoveryModule = "SocialRecoveryModule"
)

const (
	// DeployerAccount is the named account every step deploys from.
	DeployerAccount = "deployer"
	// SafeTag marks networks where the Safe core contracts are available.
	SafeTag = "safe"
	// RecoveryPeriodEnv overrides the recovery period in seconds.
	RecoveryPeriodEnv = "DEPLOYMENT_RECOVERY_PERIOD"
	// DefaultRecoveryPeriod is 14 days in seconds.
	DefaultRecoveryPeriod = 14 * 24 * 60 * 60
)

var ErrInvalidRecoveryPeriod = errors.New("steps: invalid recovery period")

// Func is one deployment step.
type Func func(ctx context.Context, env *deploy.Env) error

// Step is a named deployment step.
type Step struct {
	Name string
	Func Func
}

// Passkey returns the passkey module steps in order.
func Passkey() []Step {
	return []Step{
		{Name: "safe4337", Func: DeploySafeModuleSetup},
		{Name: "verifiers", Func: DeployVerifiers},
	}
}

// Recovery returns the recovery module steps.
func Recovery() []Step {
	return []Step{
		{Name: "recovery", Func: DeploySocialRecoveryModule},
	}
}

// All returns every step in order.
func All() []Step {
	return append(Passkey(), Recovery()...)
}

// DeploySafeModuleSetup deploys SafeModuleSetup on networks tagged safe and
// does nothing elsewhere.
func DeploySafeModuleSetup(ctx context.Context, env *deploy.Env) error {
	if !env.Network.HasTag(SafeTag) {
		return nil
	}

	deployer, err := env.Account(DeployerAccount)
	if err != nil {
		return err
	}

	_, err = env.Deployments.Deploy(ctx, SafeModuleSetup, deploy.Options{
		From:                    deployer.Hex(),
		Args:                    []any{},
		Log:                     true,
		DeterministicDeployment: true,
	})
	return err
}

// DeployVerifiers deploys the Daimo and FCL P-256 verifiers, in that order.
func DeployVerifiers(ctx context.Context, env *deploy.Env) error {
	deployer, err := env.Account(DeployerAccount)
	if err != nil {
		return err
	}

	for _, name := range []string{DaimoP256Verifier, FCLP256Verifier} {
		_, err := env.Deployments.Deploy(ctx, name, deploy.Options{
			From:                    deployer.Hex(),
			Args:                    []any{},
			DeterministicDeployment: true,
			Log:                     true,
		})
		if err != nil {
			logger(env).Error("error during deployment",
				slog.String("contract", name),
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	return nil
}

// DeploySocialRecoveryModule deploys SocialRecoveryModule with the
// configured recovery period.
func DeploySocialRecoveryModule(ctx context.Context, env *deploy.Env) error {
	deployer, err := env.Account(DeployerAccount)
	if err != nil {
		return err
	}

	err = func() error {
		period, err := ParseRecoveryPeriod(RecoveryPeriod(getenv(env)))
		if err != nil {
			return err
		}
		_, err = env.Deployments.Deploy(ctx, SocialRecoveryModule, deploy.Options{
			From:                    deployer.Hex(),
			Args:                    []any{period},
			Log:                     true,
			DeterministicDeployment: true,
		})
		return err
	}()
	if err != nil {
		logger(env).Error("error deploying SocialRecoveryModule",
			slog.String("contract", SocialRecoveryModule),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// RecoveryPeriod returns DEPLOYMENT_RECOVERY_PERIOD when set and non-empty,
// otherwise the 14 day default, in seconds.
func RecoveryPeriod(getenv func(string) string) string {
	if v := getenv(RecoveryPeriodEnv); v != "" {
		return v
	}
	return fmt.Sprint(DefaultRecoveryPeriod)
}

// ParseRecoveryPeriod parses a decimal or 0x-prefixed hex unsigned integer.
// Leading zeros are decimal digits, not an octal prefix.
func ParseRecoveryPeriod(s string) (*big.Int, error) {
	digits, base := s, 10
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		digits, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(digits, base)
	if !ok || digits[0] == '+' || digits[0] == '-' || v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecoveryPeriod, s)
	}
	return v, nil
}

func getenv(env *deploy.Env) func(string) string {
	if env.Getenv != nil {
		return env.Getenv
	}
	return os.Getenv
}

func logger(env *deploy.Env) *slog.Logger {
	if env.Logger != nil {
		return env.Logger
	}
	return slog.Default()
}

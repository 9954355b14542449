package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Setting keys, each bound to the upper-case environment variable of the
// same name.
const (
	KeyMainnetNodeURL      = "mainnet_node_url"
	KeyCalibrationNodeURL  = "calibration_node_url"
	KeyMnemonic            = "mnemonic"
	KeyPrivateKey          = "pk"
	KeyEtherscanAPIKey     = "etherscan_api_key"
	KeyRecoveryPeriod      = "deployment_recovery_period"
	KeyDatabaseURL         = "safedeploy_database_url"
	KeyMetricsPushURL      = "safedeploy_metrics_push_url"
	KeyRemoteSignerURL     = "safedeploy_remote_signer_url"
	KeyRemoteSignerAPIKey  = "safedeploy_remote_signer_api_key"
	KeyRemoteSignerAddress = "safedeploy_remote_signer_address"
)

var settingKeys = []string{
	KeyMainnetNodeURL,
	KeyCalibrationNodeURL,
	KeyMnemonic,
	KeyPrivateKey,
	KeyEtherscanAPIKey,
	KeyRecoveryPeriod,
	KeyDatabaseURL,
	KeyMetricsPushURL,
	KeyRemoteSignerURL,
	KeyRemoteSignerAPIKey,
	KeyRemoteSignerAddress,
}

// Settings are the process-level values read from the environment.
type Settings struct {
	MainnetNodeURL      string `json:"mainnetNodeUrl,omitempty"`
	CalibrationNodeURL  string `json:"calibrationNodeUrl,omitempty"`
	Mnemonic            string `json:"mnemonic,omitempty"`
	PrivateKey          string `json:"pk,omitempty"`
	EtherscanAPIKey     string `json:"etherscanApiKey,omitempty"`
	RecoveryPeriod      string `json:"recoveryPeriod,omitempty"`
	DatabaseURL         string `json:"databaseUrl,omitempty"`
	MetricsPushURL      string `json:"metricsPushUrl,omitempty"`
	RemoteSignerURL     string `json:"remoteSignerUrl,omitempty"`
	RemoteSignerAPIKey  string `json:"remoteSignerApiKey,omitempty"`
	RemoteSignerAddress string `json:"remoteSignerAddress,omitempty"`
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. Missing files are skipped; any
// other read or parse error is returned.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// BindEnv binds every setting key of v to its environment variable.
func BindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	for _, key := range settingKeys {
		_ = v.BindEnv(key)
	}
}

// LoadSettings reads the settings from v.
func LoadSettings(v *viper.Viper) Settings {
	return Settings{
		MainnetNodeURL:      v.GetString(KeyMainnetNodeURL),
		CalibrationNodeURL:  v.GetString(KeyCalibrationNodeURL),
		Mnemonic:            v.GetString(KeyMnemonic),
		PrivateKey:          v.GetString(KeyPrivateKey),
		EtherscanAPIKey:     v.GetString(KeyEtherscanAPIKey),
		RecoveryPeriod:      v.GetString(KeyRecoveryPeriod),
		DatabaseURL:         v.GetString(KeyDatabaseURL),
		MetricsPushURL:      v.GetString(KeyMetricsPushURL),
		RemoteSignerURL:     v.GetString(KeyRemoteSignerURL),
		RemoteSignerAPIKey:  v.GetString(KeyRemoteSignerAPIKey),
		RemoteSignerAddress: v.GetString(KeyRemoteSignerAddress),
	}
}

// Masked returns a copy safe to print, with secrets shortened.
func (s Settings) Masked() Settings {
	s.Mnemonic = mask(s.Mnemonic)
	s.PrivateKey = mask(s.PrivateKey)
	s.EtherscanAPIKey = mask(s.EtherscanAPIKey)
	s.RemoteSignerAPIKey = mask(s.RemoteSignerAPIKey)
	s.DatabaseURL = mask(s.DatabaseURL)
	return s
}

// Env returns the value of an environment-style variable name through v,
// so viper overrides apply to network URLs too.
func Env(v *viper.Viper) func(string) string {
	return func(name string) string {
		return v.GetString(name)
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

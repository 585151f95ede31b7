package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/auditledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	bearerToken  string
	clientID     string
	clientSecret string
	outputFormat string
	timeout      time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Audit ledger CLI",
	Long: `ledgerctl records events on an audit ledger, triggers snapshots,
and checks inclusion proofs and snapshot signatures.

Settings are read from flags, then ~/.ledgerctl/config.yaml, then the
environment (LEDGER_SERVER, LEDGER_TOKEN, LEDGER_CLIENT_ID, LEDGER_CLIENT_SECRET).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("ledger")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		fill := func(dst *string, key, fallback string) {
			if *dst == "" {
				*dst = viper.GetString(key)
			}
			if *dst == "" {
				*dst = fallback
			}
		}
		fill(&serverURL, "server", "http://localhost:8080")
		fill(&bearerToken, "token", "")
		fill(&clientID, "client_id", "")
		fill(&clientSecret, "client_secret", "")
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	pf.StringVar(&serverURL, "server", "", "ledger server URL (default http://localhost:8080)")
	pf.StringVar(&bearerToken, "token", "", "bearer token for write commands")
	pf.StringVar(&clientID, "client-id", "", "client id for token exchange")
	pf.StringVar(&clientSecret, "client-secret", "", "client secret for token exchange")
	pf.StringVarP(&outputFormat, "output", "o", "text", "output format: text or json")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")

	rootCmd.AddCommand(recordCmd, snapshotCmd, latestCmd, snapshotsCmd, eventCmd,
		proofCmd, verifySignatureCmd, verifyChainCmd, hashSecretCmd, versionCmd)
}

// newClient builds an SDK client from the resolved settings.
func newClient() (*client.Client, error) {
	var opts []client.Option
	switch {
	case bearerToken != "":
		opts = append(opts, client.WithBearerToken(bearerToken))
	case clientID != "" && clientSecret != "":
		opts = append(opts, client.WithClientCredentials(clientID, clientSecret))
	}
	return client.New(serverURL, opts...)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}

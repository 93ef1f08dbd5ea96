// cmd/pchain: command-line client for the PrivacyChain tracking API.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/privacychain/pkg/client"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pchain",
	Short: "PrivacyChain CLI",
	Long: `pchain indexes anonymized personal data on a ledger through a
PrivacyChain server and runs the compliance operations against it:
unindex, remove, rectify and verify.

Settings come from flags, PCHAIN_* environment variables or
~/.pchain/config.yaml:

  server: https://privacychain.example.com
  client_id: billing
  client_secret: ...`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.pchain")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("pchain")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}
		switch f := viper.GetString("output"); f {
		case "yaml", "json", "text":
		default:
			return fmt.Errorf("unknown --output %q (want yaml, json or text)", f)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.pchain/config.yaml)")
	pf.String("server", "http://localhost:8080", "PrivacyChain server base URL")
	pf.String("client-id", "", "OAuth2 client id")
	pf.String("client-secret", "", "OAuth2 client secret")
	pf.String("token", "", "pre-issued bearer token (overrides client credentials)")
	pf.StringP("output", "o", "yaml", "output format: yaml, json or text")
	pf.Bool("insecure", false, "skip TLS certificate verification (development only)")
	for _, name := range []string{"server", "client-id", "client-secret", "token", "output", "insecure"} {
		_ = viper.BindPFlag(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ledgersCmd)
	rootCmd.AddCommand(indexCmd, indexSecureCmd, unindexCmd, removeCmd, rectifyCmd, verifyCmd)
	rootCmd.AddCommand(getCmd, listCmd, locatorCmd)
	rootCmd.AddCommand(anonymizeCmd, onchainCmd)
	rootCmd.AddCommand(mcpCmd)
}

// newClient builds an SDK client from the resolved settings.
func newClient() (*client.Client, error) {
	var opts []client.Option
	if viper.GetBool("insecure") {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	switch {
	case viper.GetString("token") != "":
		opts = append(opts, client.WithBearerToken(viper.GetString("token")))
	case viper.GetString("client_id") != "":
		opts = append(opts, client.WithClientCredentials(viper.GetString("client_id"), viper.GetString("client_secret")))
	}
	opts = append(opts, client.WithUserAgent("pchain/"+version))
	return client.New(viper.GetString("server"), opts...)
}

// ── output ───────────────────────────────────────────────────────────────────

// printResult writes v in the selected output format. text falls back to
// yaml for anything that is not a record list.
func printResult(w io.Writer, v any) error {
	switch viper.GetString("output") {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text":
		if recs, ok := v.([]client.Record); ok {
			return printRecordsText(w, recs)
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printRecordsText(w io.Writer, recs []client.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLOCATOR\tTIMESTAMP\tLEDGER\tTRANSACTION\tHASH")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Locator, r.TrackingTimestamp, r.LedgerID, r.TransactionRef, r.HashMethod)
	}
	return tw.Flush()
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the pchain CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pchain %s (PrivacyChain)\n", version)
	},
}

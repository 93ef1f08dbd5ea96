package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/mcpbridge"
	"github.com/jmerrifield20/privacychain/pkg/client"
)

// contentFlags is shared by every command that sends canonical data.
type contentFlags struct {
	content    string
	file       string
	salt       string
	hashMethod string
	ledgerID   string
	timestamp  string
}

func (f *contentFlags) register(cmd *cobra.Command, withSalt, withLedger bool) {
	cmd.Flags().StringVar(&f.content, "content", "", "canonical data to anonymize")
	cmd.Flags().StringVar(&f.file, "content-file", "", "read canonical data from a file (- for stdin)")
	cmd.Flags().StringVar(&f.hashMethod, "hash-method", "", "digest algorithm (server default when empty)")
	if withSalt {
		cmd.Flags().StringVar(&f.salt, "salt", "", "salt (generated by the server when empty)")
	}
	if withLedger {
		cmd.Flags().StringVar(&f.ledgerID, "ledger", "", "ledger id (server default when empty)")
		cmd.Flags().StringVar(&f.timestamp, "datetime", "", "tracking timestamp (server clock when empty)")
	}
}

// read returns the canonical data from --content or --content-file.
func (f *contentFlags) read(stdin io.Reader) (string, error) {
	switch {
	case f.content != "" && f.file != "":
		return "", errors.New("use either --content or --content-file, not both")
	case f.content != "":
		return f.content, nil
	case f.file == "-":
		b, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		return string(b), err
	case f.file != "":
		b, err := os.ReadFile(f.file)
		if err != nil {
			return "", fmt.Errorf("read content file: %w", err)
		}
		return string(b), nil
	default:
		return "", errors.New("--content or --content-file is required")
	}
}

// ── ledgers ──────────────────────────────────────────────────────────────────

var ledgersCmd = &cobra.Command{
	Use:   "ledgers",
	Short: "Show the server's configured ledgers and defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		info, err := c.Ledgers(cmd.Context())
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), info)
	},
}

// ── index / index-secure ─────────────────────────────────────────────────────

var (
	indexFlags       contentFlags
	indexSecureFlags contentFlags
)

var indexCmd = &cobra.Command{
	Use:   "index <locator>",
	Short: "Anonymize content with a plain digest, register it and index it under locator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(cmd, args[0], &indexFlags, false)
	},
}

var indexSecureCmd = &cobra.Command{
	Use:   "index-secure <locator>",
	Short: "Anonymize content with a salted digest, register it and index it under locator",
	Long: `index-secure registers a salted digest of the content. The salt is
returned in the record and is required to verify the registration later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(cmd, args[0], &indexSecureFlags, true)
	},
}

func init() {
	indexFlags.register(indexCmd, false, true)
	indexSecureFlags.register(indexSecureCmd, true, true)
}

func runIndex(cmd *cobra.Command, locator string, f *contentFlags, secure bool) error {
	content, err := f.read(cmd.InOrStdin())
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	req := client.IndexRequest{
		Content:    content,
		Locator:    locator,
		Timestamp:  f.timestamp,
		Salt:       f.salt,
		HashMethod: f.hashMethod,
		LedgerID:   f.ledgerID,
	}
	var rec *client.Record
	if secure {
		rec, err = c.IndexSecure(cmd.Context(), req)
	} else {
		rec, err = c.Index(cmd.Context(), req)
	}
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), rec)
}

// ── unindex / remove ─────────────────────────────────────────────────────────

var (
	unindexTimestamp string
	removeTimestamp  string
)

var unindexCmd = &cobra.Command{
	Use:   "unindex <locator>",
	Short: "Drop the index records of locator (ledger entries are kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Unindex(cmd.Context(), args[0], unindexTimestamp)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <locator>",
	Short: "Erase locator's data by unindexing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Remove(cmd.Context(), args[0], removeTimestamp)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

func init() {
	unindexCmd.Flags().StringVar(&unindexTimestamp, "datetime", "", "only drop the record with this tracking timestamp")
	removeCmd.Flags().StringVar(&removeTimestamp, "datetime", "", "only drop the record with this tracking timestamp")
}

// ── rectify ──────────────────────────────────────────────────────────────────

var rectifyFlags contentFlags

var rectifyCmd = &cobra.Command{
	Use:   "rectify <locator>",
	Short: "Supersede locator's live records with corrected content",
	Long: `rectify unindexes the live records of locator and indexes the corrected
content with a salted digest. If the new registration fails after records
were dropped, the command reports how many and can simply be re-run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := rectifyFlags.read(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Rectify(cmd.Context(), client.RectifyRequest{
			Locator:    args[0],
			Timestamp:  rectifyFlags.timestamp,
			Content:    content,
			Salt:       rectifyFlags.salt,
			HashMethod: rectifyFlags.hashMethod,
			LedgerID:   rectifyFlags.ledgerID,
		})
		var apiErr *client.APIError
		if errors.Is(err, client.ErrPartialRectification) && errors.As(err, &apiErr) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d record(s) of %s were unindexed but the new record was not written; re-run to finish\n",
				apiErr.Removed, apiErr.Locator)
		}
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

func init() {
	rectifyFlags.register(rectifyCmd, true, true)
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyFlags contentFlags

var verifyCmd = &cobra.Command{
	Use:   "verify <transaction-ref>",
	Short: "Check content and salt against a registered transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := verifyFlags.read(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Verify(cmd.Context(), client.VerifyRequest{
			TransactionRef: args[0],
			Content:        content,
			Salt:           verifyFlags.salt,
			HashMethod:     verifyFlags.hashMethod,
			LedgerID:       verifyFlags.ledgerID,
		})
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

func init() {
	verifyFlags.register(verifyCmd, true, false)
	verifyCmd.Flags().StringVar(&verifyFlags.ledgerID, "ledger", "", "ledger id (taken from the index when empty)")
}

// ── reads ────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <tracking-id>",
	Short: "Show one index record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("tracking id must be an integer: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.GetTracking(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), rec)
	},
}

var (
	listSkip  int
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Page through every index record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.ListTrackings(cmd.Context(), listSkip, listLimit)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), recs)
	},
}

var locatorTimestamp string

var locatorCmd = &cobra.Command{
	Use:   "locator <locator>",
	Short: "List the live records of a locator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.ListForLocator(cmd.Context(), args[0], locatorTimestamp)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), recs)
	},
}

func init() {
	listCmd.Flags().IntVar(&listSkip, "skip", 0, "records to skip")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum records to return (server default when 0)")
	locatorCmd.Flags().StringVar(&locatorTimestamp, "datetime", "", "only the record with this tracking timestamp")
}

// ── anonymize ────────────────────────────────────────────────────────────────

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize",
	Short: "Compute digests without touching any ledger",
}

var (
	anonSimpleFlags contentFlags
	anonSecureFlags contentFlags
	anonVerifyFlags contentFlags
)

var anonSimpleCmd = &cobra.Command{
	Use:   "simple",
	Short: "Plain digest of content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := anonSimpleFlags.read(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.SimpleAnonymize(cmd.Context(), content, anonSimpleFlags.hashMethod)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

var anonSecureCmd = &cobra.Command{
	Use:   "secure",
	Short: "Salted digest of content",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := anonSecureFlags.read(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.SecureAnonymize(cmd.Context(), content, anonSecureFlags.salt, anonSecureFlags.hashMethod)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), res)
	},
}

var anonVerifyCmd = &cobra.Command{
	Use:   "verify <digest>",
	Short: "Check content and salt against a digest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := anonVerifyFlags.read(cmd.InOrStdin())
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ok, err := c.VerifyAnonymize(cmd.Context(), content, anonVerifyFlags.salt, args[0], anonVerifyFlags.hashMethod)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]bool{"valid": ok})
	},
}

func init() {
	anonSimpleFlags.register(anonSimpleCmd, false, false)
	anonSecureFlags.register(anonSecureCmd, true, false)
	anonVerifyFlags.register(anonVerifyCmd, true, false)
	anonymizeCmd.AddCommand(anonSimpleCmd, anonSecureCmd, anonVerifyCmd)
}

// ── onchain ──────────────────────────────────────────────────────────────────

var onchainCmd = &cobra.Command{
	Use:   "onchain",
	Short: "Read and write ledger entries directly",
}

var onchainLedger string

var onchainRegisterCmd = &cobra.Command{
	Use:   "register <payload>",
	Short: "Append a raw payload to a ledger without indexing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tx, err := c.RegisterOnChain(cmd.Context(), args[0], onchainLedger)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), tx)
	},
}

var onchainGetCmd = &cobra.Command{
	Use:   "get <transaction-ref>",
	Short: "Show the ledger entry for a transaction reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		tx, err := c.GetOnChain(cmd.Context(), args[0], onchainLedger)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), tx)
	},
}

func init() {
	onchainCmd.PersistentFlags().StringVar(&onchainLedger, "ledger", "", "ledger id (server default when empty)")
	onchainCmd.AddCommand(onchainRegisterCmd, onchainGetCmd)
}

// ── mcp ──────────────────────────────────────────────────────────────────────

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve PrivacyChain lookups and verifications as MCP tools over stdio",
	Long: `mcp runs a Model Context Protocol server on stdin/stdout so MCP hosts can
look up index records, verify registrations and compute digests through the
configured PrivacyChain server. No tool modifies the index.

Logs go to stderr so they do not interfere with the protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		c, err := newClient()
		if err != nil {
			return err
		}
		srv := mcpbridge.NewServer(cmd.OutOrStdout(), mcpbridge.NewToolRegistry(c), version, logger)
		logger.Info("MCP bridge ready", zap.String("server", viper.GetString("server")))
		return srv.Serve(cmd.Context(), cmd.InOrStdin())
	},
}

// Shieldpool CLI - keys, roots, balances and transactions against a shieldpool ledger
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/balance"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/storage"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/common"
	"github.com/ccoin/shieldpool/pkg/types"
)

const version = "0.1.0"

var (
	dbURL     string
	treeStore string
	dataDir   string
	treeDepth int
	decimals  uint8
	verbose   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "shield-cli",
		Short:         "Command-line interface for a shieldpool ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbURL, "db-url", os.Getenv("SHIELDPOOL_DATABASE_URL"), "PostgreSQL connection string")
	pf.StringVar(&treeStore, "tree-store", "postgres", "Where to restore trees from (postgres, leveldb; leveldb needs the daemon stopped)")
	pf.StringVar(&dataDir, "data-dir", "./data", "Daemon data directory (leveldb tree store)")
	pf.IntVar(&treeDepth, "tree-depth", zkp.TreeDepth, "Depth of both trees")
	pf.Uint8Var(&decimals, "decimals", 0, "Token decimals for amounts")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("shield-cli v%s\n", version)
			},
		},
		addressCmd(),
		rootsCmd(),
		balanceCmd(),
		notesCmd(),
		shieldCmd(),
		transferCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Key and address operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a secret key and print its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := zkp.GenerateSecret()
			if err != nil {
				return err
			}
			keys, err := zkp.DeriveKeys(secret)
			if err != nil {
				return err
			}
			fmt.Printf("Secret:  %s\n", secret)
			printAddress(keys)
			return nil
		},
	})

	var secret string
	show := &cobra.Command{
		Use:   "show",
		Short: "Derive the address of a secret key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(secret)
			if err != nil {
				return err
			}
			printAddress(keys)
			return nil
		},
	}
	secretFlag(show, &secret)
	cmd.AddCommand(show)

	return cmd
}

func rootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "Show the latest persisted roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			roots, err := store.Roots(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Commitment root: %s\n", roots.CommitmentRoot)
			fmt.Printf("Nullifier root:  %s\n", roots.NullifierRoot)
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	var secret, token string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Sum the unspent notes of a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, tok, err := parseKeysAndToken(secret, token)
			if err != nil {
				return err
			}
			w, err := openWallet(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			b, err := w.balances.BalanceOf(ctx, tok, keys)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", common.FormatAmount(b, decimals), tok)
			return nil
		},
	}
	secretFlag(cmd, &secret)
	tokenFlag(cmd, &token)
	return cmd
}

func notesCmd() *cobra.Command {
	var secret, token string
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "List the unspent notes of a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, tok, err := parseKeysAndToken(secret, token)
			if err != nil {
				return err
			}
			w, err := openWallet(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			notes, err := w.balances.GetNotesOwnedBy(ctx, keys, tok)
			if err != nil {
				return err
			}
			for _, n := range notes {
				fmt.Printf("%6d  %s  %s\n", n.Position, n.Commitment, common.FormatAmount(n.Note.Amount, decimals))
			}
			return nil
		},
	}
	secretFlag(cmd, &secret)
	tokenFlag(cmd, &token)
	return cmd
}

func shieldCmd() *cobra.Command {
	var to, token, amount string
	cmd := &cobra.Command{
		Use:   "shield",
		Short: "Submit a deposit note for an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			recipient, err := zkp.ParseCompleteAddress(to)
			if err != nil {
				return err
			}
			tok, err := types.ParseAddress(token)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			value, err := common.ParseAmount(amount, decimals)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			op, err := zkp.NewTransactionBuilder(nil, nil, nil).Shield(ctx, recipient, tok, value)
			if err != nil {
				return err
			}
			return submit(ctx, store, op)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient complete address")
	tokenFlag(cmd, &token)
	amountFlag(cmd, &amount)
	cmd.MarkFlagRequired("to")
	return cmd
}

func transferCmd() *cobra.Command {
	var secret, to, token, amount string
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Pay an address from one unspent note",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			keys, tok, err := parseKeysAndToken(secret, token)
			if err != nil {
				return err
			}
			recipient, err := zkp.ParseCompleteAddress(to)
			if err != nil {
				return err
			}
			value, err := common.ParseAmount(amount, decimals)
			if err != nil {
				return err
			}

			w, err := openWallet(ctx)
			if err != nil {
				return err
			}
			defer w.close()

			notes, err := w.balances.GetNotesOwnedBy(ctx, keys, tok)
			if err != nil {
				return err
			}
			from := pickNote(notes, value)
			if from == nil {
				return fmt.Errorf("%w: no single note covers %s", zkp.ErrInsufficientFunds, common.FormatAmount(value, decimals))
			}

			op, err := zkp.NewTransactionBuilder(nil, w.trees, nil).Transfer(ctx, keys, from.Note, recipient, value)
			if err != nil {
				return err
			}
			return submit(ctx, w.store, op)
		},
	}
	secretFlag(cmd, &secret)
	cmd.Flags().StringVar(&to, "to", "", "Recipient complete address")
	tokenFlag(cmd, &token)
	amountFlag(cmd, &amount)
	cmd.MarkFlagRequired("to")
	return cmd
}

// wallet is a read-only view of the ledger and the restored trees
type wallet struct {
	store    *storage.PostgresStore
	trees    *state.Trees
	balances *balance.Service
	closers  []func()
}

func (w *wallet) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func openWallet(ctx context.Context) (*wallet, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	w := &wallet{store: store, closers: []func(){store.Close}}

	stores := state.Stores{Commitments: store, Nullifiers: store}
	if treeStore == "leveldb" {
		ls, err := storage.OpenLevelStore(filepath.Join(dataDir, "trees"))
		if err != nil {
			w.close()
			return nil, err
		}
		w.closers = append(w.closers, func() { ls.Close() })
		stores = state.Stores{Commitments: ls, Nullifiers: ls}
	}

	w.trees, err = state.Open(ctx, &state.Config{CommitmentDepth: treeDepth, NullifierDepth: treeDepth}, stores)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("restore trees: %w", err)
	}

	w.balances = balance.NewService(w.trees, store, nil)
	w.balances.SetLogger(newLogger())
	return w, nil
}

func openStore(ctx context.Context) (*storage.PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("--db-url or SHIELDPOOL_DATABASE_URL is required")
	}
	store, err := storage.NewPostgresStore(ctx, &storage.Config{ConnString: dbURL})
	if err != nil {
		return nil, err
	}
	store.SetLogger(newLogger())
	return store, nil
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func submit(ctx context.Context, store *storage.PostgresStore, op *zkp.Operation) error {
	index, err := store.SubmitPendingTransaction(ctx, op.Commitments, op.Nullifiers, op.EncryptedNotes)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s as pending transaction %d\n", op.Kind, index)
	for _, cm := range op.Commitments {
		fmt.Printf("  output     %s\n", cm)
	}
	for _, nf := range op.Nullifiers {
		fmt.Printf("  nullifier  %s\n", nf)
	}
	return nil
}

// pickNote returns the smallest note covering value
func pickNote(notes []*balance.DiscoveredNote, value *uint256.Int) *balance.DiscoveredNote {
	var best *balance.DiscoveredNote
	for _, n := range notes {
		if n.Note.Amount.Lt(value) {
			continue
		}
		if best == nil || n.Note.Amount.Lt(best.Note.Amount) {
			best = n
		}
	}
	return best
}

func printAddress(keys *zkp.Keys) {
	fmt.Printf("Address: %s\n", keys.Address())
	fmt.Printf("Share:   %s\n", keys.Complete)
}

func parseKeys(secret string) (*zkp.Keys, error) {
	s, err := types.ParseHash(secret)
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return zkp.DeriveKeys(s)
}

func parseKeysAndToken(secret, token string) (*zkp.Keys, types.TokenID, error) {
	keys, err := parseKeys(secret)
	if err != nil {
		return nil, types.TokenID{}, err
	}
	tok, err := types.ParseAddress(token)
	if err != nil {
		return nil, types.TokenID{}, fmt.Errorf("token: %w", err)
	}
	return keys, tok, nil
}

func secretFlag(cmd *cobra.Command, secret *string) {
	cmd.Flags().StringVar(secret, "secret", os.Getenv("SHIELDPOOL_SECRET"), "Secret key (hex)")
}

func tokenFlag(cmd *cobra.Command, token *string) {
	cmd.Flags().StringVar(token, "token", "", "Token address (hex)")
	cmd.MarkFlagRequired("token")
}

func amountFlag(cmd *cobra.Command, amount *string) {
	cmd.Flags().StringVar(amount, "amount", "", "Amount, in token units")
	cmd.MarkFlagRequired("amount")
}

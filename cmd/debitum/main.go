// Command debitum is a thin CLI over the client core, for development and
// smoke testing: login, wallet selection, ledger CRUD, undo, and sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/debitum-app/debitum/client"
	"github.com/debitum-app/debitum/pkg/ledger"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".debitum"
	}
	return filepath.Join(home, ".debitum")
}

func rootCommand() *cobra.Command {
	var dataDir string
	var core *client.Core

	root := &cobra.Command{
		Use:           "debitum",
		Short:         "Debitum shared debt ledger client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			core, err = client.New(dataDir)
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if core != nil {
				return core.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "local storage directory")

	root.AddCommand(&cobra.Command{
		Use:   "connect <base-url>",
		Short: "Point the client at a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return core.SetBackend(args[0], "")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "login <username> <password>",
		Short: "Log in and store the session token",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := core.Login(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("logged in")
			return core.EnsureCurrentWallet()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Clear the local database and session",
		RunE: func(*cobra.Command, []string) error {
			return core.Logout()
		},
	})

	wallets := &cobra.Command{Use: "wallets", Short: "Manage wallets"}
	wallets.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List wallets",
		RunE: func(*cobra.Command, []string) error {
			list, err := core.Wallets()
			if err != nil {
				return err
			}
			current, _ := core.CurrentWallet()
			for _, w := range list {
				marker := " "
				if w.ID == current {
					marker = "*"
				}
				fmt.Printf("%s %s  %s\n", marker, w.ID, w.Name)
			}
			return nil
		},
	})
	wallets.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a wallet (you become owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			w, err := core.CreateWallet(args[0], "")
			if err != nil {
				return err
			}
			fmt.Println(w.ID)
			return core.SetCurrentWallet(w.ID)
		},
	})
	wallets.AddCommand(&cobra.Command{
		Use:   "join <code>",
		Short: "Join a wallet with a 4-digit invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			walletID, err := core.JoinWallet(args[0])
			if err != nil {
				return err
			}
			fmt.Println(walletID)
			return core.SetCurrentWallet(walletID)
		},
	})
	wallets.AddCommand(&cobra.Command{
		Use:   "use <wallet-id>",
		Short: "Select the active wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return core.SetCurrentWallet(args[0])
		},
	})
	root.AddCommand(wallets)

	contacts := &cobra.Command{Use: "contacts", Short: "Manage contacts"}
	contacts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List contacts with balances",
		RunE: func(*cobra.Command, []string) error {
			list, err := core.Contacts()
			if err != nil {
				return err
			}
			for _, c := range list {
				fmt.Printf("%s  %-24s balance=%d\n", c.ID, c.Name, c.Balance)
			}
			return nil
		},
	})
	var contactComment string
	addContact := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := core.CreateContact(args[0], client.ContactFields{}, contactComment)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	addContact.Flags().StringVar(&contactComment, "comment", "", "required audit comment")
	_ = addContact.MarkFlagRequired("comment")
	contacts.AddCommand(addContact)

	var rmComment string
	rmContact := &cobra.Command{
		Use:   "rm <contact-id>",
		Short: "Delete a contact (and hide its transactions)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return core.DeleteContact(args[0], rmComment)
		},
	}
	rmContact.Flags().StringVar(&rmComment, "comment", "", "required audit comment")
	_ = rmContact.MarkFlagRequired("comment")
	contacts.AddCommand(rmContact)
	root.AddCommand(contacts)

	tx := &cobra.Command{Use: "tx", Short: "Manage transactions"}
	tx.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(*cobra.Command, []string) error {
			list, err := core.Transactions()
			if err != nil {
				return err
			}
			for _, t := range list {
				fmt.Printf("%s  %s %s %d %s  contact=%s\n", t.ID, t.Type, t.Direction, t.Amount, t.Currency, t.ContactID)
			}
			return nil
		},
	})
	var (
		txDirection string
		txCurrency  string
		txDate      string
		txComment   string
	)
	addTx := &cobra.Command{
		Use:   "add <contact-id> <amount>",
		Short: "Record a transaction",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
				return fmt.Errorf("amount must be an integer (minor currency unit)")
			}
			id, err := core.CreateTransaction(client.TransactionParams{
				ContactID:       args[0],
				Direction:       ledger.Direction(txDirection),
				Amount:          amount,
				Currency:        txCurrency,
				TransactionDate: txDate,
				Comment:         txComment,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	addTx.Flags().StringVar(&txDirection, "direction", "lent", "lent or owed")
	addTx.Flags().StringVar(&txCurrency, "currency", "", "ISO currency (default IQD)")
	addTx.Flags().StringVar(&txDate, "date", "", "transaction date (YYYY-MM-DD)")
	addTx.Flags().StringVar(&txComment, "comment", "", "required audit comment")
	_ = addTx.MarkFlagRequired("comment")
	tx.AddCommand(addTx)
	root.AddCommand(tx)

	var undoComment string
	undoContact := &cobra.Command{
		Use:   "undo-contact <contact-id>",
		Short: "Undo the contact's latest change",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return core.UndoContact(args[0], undoComment)
		},
	}
	undoContact.Flags().StringVar(&undoComment, "comment", "", "required audit comment")
	_ = undoContact.MarkFlagRequired("comment")
	root.AddCommand(undoContact)

	var undoTxComment string
	undoTx := &cobra.Command{
		Use:   "undo-tx <transaction-id>",
		Short: "Undo the transaction's latest change",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return core.UndoTransaction(args[0], undoTxComment)
		},
	}
	undoTx.Flags().StringVar(&undoTxComment, "comment", "", "required audit comment")
	_ = undoTx.MarkFlagRequired("comment")
	root.AddCommand(undoTx)

	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Push pending events, then pull and merge",
		RunE: func(*cobra.Command, []string) error {
			return core.FullSync()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Follow the server change feed and sync on every change",
		RunE: func(*cobra.Command, []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return core.ListenChanges(ctx, func(n client.ChangeNotice) {
				fmt.Printf("change: %s\n", n.Type)
				if err := core.FullSync(); err != nil {
					fmt.Fprintln(os.Stderr, "sync:", err)
				}
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "Dump the local event log",
		RunE: func(*cobra.Command, []string) error {
			events, err := core.Events()
			if err != nil {
				return err
			}
			for _, e := range events {
				synced := " "
				if e.Synced {
					synced = "✓"
				}
				fmt.Printf("%s %s %s/%s v%d %s\n", synced, e.ID, e.AggregateType, e.Type, e.Version, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	})

	return root
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/spf13/cobra"
)

var deleteForce bool

var storeDeleteCmd = &cobra.Command{
	Use:   "delete <store-id>",
	Short: "Delete a store and all its data",
	Long:  "Permanently delete a store with its entities, save log and idempotency records. The default store cannot be deleted. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreDelete,
}

func init() {
	storeDeleteCmd.Flags().BoolVar(&deleteForce, "force", false,
		"Skip confirmation prompt")
}

func runStoreDelete(cmd *cobra.Command, args []string) error {
	storeID := args[0]
	ctx := context.Background()

	if multistore.IsDefaultStore(storeID) {
		return errors.New("cannot delete the default store")
	}
	if err := multistore.ValidateStoreID(storeID); err != nil {
		return err
	}

	mgr, err := resolveStoreManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	if !deleteForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently delete store %q and all its data.\n", storeID)
		fmt.Fprint(errOut, "Type the store ID to confirm: ")

		input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != storeID {
			fmt.Fprintln(errOut, "Aborted. Store ID did not match.")
			return nil
		}
	}

	if err := mgr.DeleteStore(ctx, storeID); err != nil {
		return err
	}

	if storeJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":      storeID,
			"deleted": true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted store %q\n", storeID)
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/spf13/cobra"
)

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stores",
	Args:  cobra.NoArgs,
	RunE:  runStoreList,
}

func runStoreList(cmd *cobra.Command, args []string) error {
	mgr, err := resolveStoreManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	stores, err := mgr.ListStores(context.Background())
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}

	if storeJSONOutput {
		if stores == nil {
			stores = []multistore.StoreInfo{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"stores": stores,
			"total":  len(stores),
		})
	}

	if len(stores) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No stores found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tMODEL\tSIZE\tCREATED\tDESCRIPTION")
	for _, s := range stores {
		desc := s.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.Model,
			formatSize(s.SizeBytes),
			s.Created.Format("2006-01-02 15:04"),
			desc,
		)
	}
	return w.Flush()
}

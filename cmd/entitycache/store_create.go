package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/spf13/cobra"
)

var (
	createModel       string
	createDescription string
	createIfNotExists bool
)

var storeCreateCmd = &cobra.Command{
	Use:   "create <store-id>",
	Short: "Create a new store",
	Long:  "Create a new entity store. Store IDs are lowercase alphanumeric with hyphens, optionally separated by / for namespacing (e.g., org/project).",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreCreate,
}

func init() {
	storeCreateCmd.Flags().StringVar(&createModel, "model", "",
		"Entity model served by the store (default: generic)")
	storeCreateCmd.Flags().StringVar(&createDescription, "description", "",
		"Human-readable description")
	storeCreateCmd.Flags().BoolVar(&createIfNotExists, "if-not-exists", false,
		"Exit 0 if store already exists")
}

func runStoreCreate(cmd *cobra.Command, args []string) error {
	storeID := args[0]
	ctx := context.Background()

	mgr, err := resolveStoreManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	managed, err := mgr.CreateStore(ctx, storeID, createModel, createDescription)
	existed := false
	if errors.Is(err, multistore.ErrStoreAlreadyExists) && createIfNotExists {
		managed, err = mgr.GetStore(ctx, storeID)
		if err != nil {
			return fmt.Errorf("store exists but could not be loaded: %w", err)
		}
		existed = true
	}
	if err != nil {
		return err
	}

	if storeJSONOutput {
		out := map[string]any{
			"id":          managed.ID,
			"model":       managed.Model(),
			"created":     managed.Meta.Created,
			"description": managed.Meta.Description,
		}
		if existed {
			out["already_existed"] = true
		}
		return printJSON(cmd.OutOrStdout(), out)
	}

	if existed {
		fmt.Fprintf(cmd.ErrOrStderr(), "Store %q already exists (model: %s)\n", storeID, managed.Model())
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created store %q (model: %s)\n", managed.ID, managed.Model())
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/spf13/cobra"
)

var storeInfoCmd = &cobra.Command{
	Use:   "info <store-id>",
	Short: "Show detailed information about a store",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoreInfo,
}

func runStoreInfo(cmd *cobra.Command, args []string) error {
	storeID := args[0]
	ctx := context.Background()

	mgr, err := resolveStoreManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	managed, err := mgr.GetStore(ctx, storeID)
	if err != nil {
		return err
	}

	var sizeBytes int64
	if info, statErr := os.Stat(filepath.Join(managed.BasePath, multistore.DBFileName)); statErr == nil {
		sizeBytes = info.Size()
	}
	stats, err := managed.Store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("read store stats: %w", err)
	}
	schemaVersion := managed.SchemaVersion(ctx)

	out := cmd.OutOrStdout()
	if storeJSONOutput {
		return printJSON(out, map[string]any{
			"id":             managed.ID,
			"model":          managed.Model(),
			"description":    managed.Meta.Description,
			"created":        managed.Meta.Created,
			"last_accessed":  managed.Meta.LastAccessed,
			"size_bytes":     sizeBytes,
			"schema_version": schemaVersion,
			"entity_count":   stats.EntityCount,
			"type_counts":    stats.TypeCounts,
			"save_count":     stats.SaveCount,
			"path":           managed.BasePath,
		})
	}

	fmt.Fprintf(out, "Store:         %s\n", managed.ID)
	fmt.Fprintf(out, "Model:         %s\n", managed.Model())
	if managed.Meta.Description != "" {
		fmt.Fprintf(out, "Description:   %s\n", managed.Meta.Description)
	}
	fmt.Fprintf(out, "Created:       %s\n", managed.Meta.Created.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Last Accessed: %s\n", managed.Meta.LastAccessed.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Size:          %s\n", formatSize(sizeBytes))
	fmt.Fprintf(out, "Schema:        v%d\n", schemaVersion)
	fmt.Fprintf(out, "Entities:      %d\n", stats.EntityCount)

	typeNames := make([]string, 0, len(stats.TypeCounts))
	for name := range stats.TypeCounts {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		fmt.Fprintf(out, "  %-12s %d\n", name, stats.TypeCounts[name])
	}

	fmt.Fprintf(out, "Saves:         %d\n", stats.SaveCount)
	if stats.LastSaveAt != nil {
		fmt.Fprintf(out, "Last Save:     %s\n", stats.LastSaveAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(out, "Path:          %s\n", managed.BasePath)
	return nil
}

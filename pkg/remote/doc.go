// Package remote connects an entity.Manager to the entity service over HTTP.
//
// A Client implements entity.Saver, so it plugs straight into a manager:
//
//	client := remote.New("http://localhost:8080", remote.WithAPIKey(key), remote.WithStoreID("northwind"))
//	mgr := entity.NewManager(reg, entity.WithSaver(client))
//	if _, err := client.FetchInto(ctx, mgr, "Order", entity.MergePreserveChanges); err != nil { ... }
package remote

// Package entity is a client-side entity cache with change tracking.
//
// A Manager owns an identity map of entities keyed by (type, key), tracks
// which of them are added, modified or deleted, keeps navigation between
// related entities consistent through foreign-key lookups, and saves all
// pending changes as one batch through a Saver. After a successful save the
// server-assigned keys and values are merged back into the local graph.
//
// Entity types are described by a Metadata implementation, usually a
// Registry:
//
//	reg := entity.NewRegistry()
//	reg.MustRegister(&entity.EntityType{
//		Name:       "TodoItem",
//		Key:        []string{"Id"},
//		KeyGen:     entity.KeyGenIdentity,
//		Properties: []entity.Property{{Name: "Id", Kind: entity.KindInt}, {Name: "Description", Kind: entity.KindString}},
//	})
//
//	mgr := entity.NewManager(reg, entity.WithSaver(client))
//	todo, _ := mgr.CreateEntity("TodoItem", map[string]any{"Description": "Save todo"})
//	result, err := mgr.SaveChanges(ctx)
//
// Managers are independent of each other; nothing in this package keeps
// per-process cache state.
package entity

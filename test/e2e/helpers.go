// Package e2e drives the HTTP service through pkg/remote with several
// entity managers at once, the way independent client processes would.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/entitycache/internal/api"
	"github.com/hyperengineering/entitycache/internal/multistore"
	"github.com/hyperengineering/entitycache/internal/worker"
	"github.com/hyperengineering/entitycache/pkg/entity"
	"github.com/hyperengineering/entitycache/pkg/remote"
)

const apiKey = "e2e-secret"

// service is one running server process over a store root.
type service struct {
	root    string
	manager *multistore.StoreManager
	http    *httptest.Server
}

func startService(t *testing.T, root string) *service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := multistore.NewStoreManager(root, logger)
	if err != nil {
		t.Fatalf("NewStoreManager() error = %v", err)
	}
	h := api.NewHandler(manager, apiKey, "e2e", api.WithIdempotencyTTL(time.Hour))
	svc := &service{root: root, manager: manager, http: httptest.NewServer(api.NewRouter(h))}
	t.Cleanup(svc.stop)
	return svc
}

func newService(t *testing.T) *service {
	t.Helper()
	return startService(t, filepath.Join(t.TempDir(), "stores"))
}

// stop shuts the service down. Calling it twice is harmless.
func (s *service) stop() {
	if s.http == nil {
		return
	}
	s.http.Close()
	s.manager.Close()
	s.http = nil
}

// restart stops the service and starts a new one over the same root.
func (s *service) restart(t *testing.T) *service {
	t.Helper()
	s.stop()
	return startService(t, s.root)
}

func (s *service) client(opts ...remote.Option) *remote.Client {
	base := []remote.Option{remote.WithAPIKey(apiKey), remote.WithHTTPClient(s.http.Client())}
	return remote.New(s.http.URL, append(base, opts...)...)
}

func (s *service) snapshotAll(t *testing.T) int {
	t.Helper()
	coord := worker.NewSnapshotCoordinator(worker.NewStoreManagerAdapter(s.manager), time.Hour, nil)
	return coord.SnapshotAll(context.Background())
}

// newCache returns an entity manager saving through its own client.
func newCache(t *testing.T, s *service, opts ...remote.Option) (*entity.Manager, *remote.Client) {
	t.Helper()
	c := s.client(opts...)
	return entity.NewManager(northwind(t), entity.WithSaver(c)), c
}

func northwind(t *testing.T) *entity.Registry {
	t.Helper()
	reg := entity.NewRegistry()
	err := reg.Register(
		&entity.EntityType{
			Name: "Order",
			Properties: []entity.Property{
				{Name: "OrderID", Kind: entity.KindInt},
				{Name: "ShipName", Kind: entity.KindString},
			},
			Key:    []string{"OrderID"},
			KeyGen: entity.KeyGenIdentity,
			Navigations: []entity.NavigationProperty{
				{Name: "OrderDetails", TargetType: "OrderDetail", Multiplicity: entity.ToMany, ForeignKeys: []string{"OrderID"}},
			},
		},
		&entity.EntityType{
			Name: "OrderDetail",
			Properties: []entity.Property{
				{Name: "OrderID", Kind: entity.KindInt},
				{Name: "ProductID", Kind: entity.KindInt},
				{Name: "Quantity", Kind: entity.KindInt},
			},
			Key: []string{"OrderID", "ProductID"},
			Navigations: []entity.NavigationProperty{
				{Name: "Order", TargetType: "Order", ForeignKeys: []string{"OrderID"}},
			},
		},
	)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return reg
}

// createOrder adds an order with one detail per product to m.
func createOrder(t *testing.T, m *entity.Manager, shipName string, products ...int) *entity.Entity {
	t.Helper()
	order, err := m.CreateEntity("Order", map[string]any{"ShipName": shipName})
	if err != nil {
		t.Fatalf("CreateEntity(Order) error = %v", err)
	}
	for _, pid := range products {
		d, err := m.NewEntity("OrderDetail", map[string]any{"ProductID": pid, "Quantity": 1})
		if err != nil {
			t.Fatalf("NewEntity(OrderDetail) error = %v", err)
		}
		if err := d.SetNavigation("Order", order); err != nil {
			t.Fatalf("SetNavigation() error = %v", err)
		}
		if err := m.AddEntity(d); err != nil {
			t.Fatalf("AddEntity() error = %v", err)
		}
	}
	return order
}

func mustSave(t *testing.T, m *entity.Manager) *entity.SaveResult {
	t.Helper()
	result, err := m.SaveChanges(context.Background())
	if err != nil {
		t.Fatalf("SaveChanges() error = %v", err)
	}
	return result
}

func mustFetch(t *testing.T, c *remote.Client, typeName string) []remote.Record {
	t.Helper()
	records, err := c.Fetch(context.Background(), typeName, nil)
	if err != nil {
		t.Fatalf("Fetch(%s) error = %v", typeName, err)
	}
	return records
}

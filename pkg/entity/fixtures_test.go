package entity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// northwind returns a registry with a slice of the Northwind model plus the
// Todo type.
func northwind(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(
		&EntityType{
			Name: "Customer",
			Properties: []Property{
				{Name: "CustomerID", Kind: KindUUID},
				{Name: "CompanyName", Kind: KindString},
			},
			Key: []string{"CustomerID"},
			Navigations: []NavigationProperty{
				{Name: "Orders", TargetType: "Order", Multiplicity: ToMany, ForeignKeys: []string{"CustomerID"}},
			},
		},
		&EntityType{
			Name: "Employee",
			Properties: []Property{
				{Name: "EmployeeID", Kind: KindInt},
				{Name: "LastName", Kind: KindString},
			},
			Key:    []string{"EmployeeID"},
			KeyGen: KeyGenIdentity,
			Navigations: []NavigationProperty{
				{Name: "Orders", TargetType: "Order", Multiplicity: ToMany, ForeignKeys: []string{"EmployeeID"}},
			},
		},
		&EntityType{
			Name: "Order",
			Properties: []Property{
				{Name: "OrderID", Kind: KindInt},
				{Name: "CustomerID", Kind: KindUUID, Nullable: true},
				{Name: "EmployeeID", Kind: KindInt, Nullable: true},
				{Name: "ShipName", Kind: KindString},
				{Name: "Freight", Kind: KindFloat},
			},
			Key:    []string{"OrderID"},
			KeyGen: KeyGenIdentity,
			Navigations: []NavigationProperty{
				{Name: "Customer", TargetType: "Customer", ForeignKeys: []string{"CustomerID"}, Cascade: Cascade{ClearParentNav: true}},
				{Name: "Employee", TargetType: "Employee", ForeignKeys: []string{"EmployeeID"}, Cascade: Cascade{ClearParentNav: true}},
				{Name: "OrderDetails", TargetType: "OrderDetail", Multiplicity: ToMany, ForeignKeys: []string{"OrderID"}, Cascade: Cascade{ClearChildFK: true}},
			},
		},
		&EntityType{
			Name: "OrderDetail",
			Properties: []Property{
				{Name: "OrderID", Kind: KindInt},
				{Name: "ProductID", Kind: KindInt},
				{Name: "Quantity", Kind: KindInt},
			},
			Key: []string{"OrderID", "ProductID"},
			Navigations: []NavigationProperty{
				{Name: "Order", TargetType: "Order", ForeignKeys: []string{"OrderID"}},
				{Name: "Product", TargetType: "Product", ForeignKeys: []string{"ProductID"}},
			},
		},
		&EntityType{
			Name: "Category",
			Properties: []Property{
				{Name: "CategoryID", Kind: KindInt},
				{Name: "CategoryName", Kind: KindString},
			},
			Key:    []string{"CategoryID"},
			KeyGen: KeyGenIdentity,
			Navigations: []NavigationProperty{
				{Name: "Products", TargetType: "Product", Multiplicity: ToMany, ForeignKeys: []string{"CategoryID"}},
			},
		},
		&EntityType{
			Name: "Product",
			Properties: []Property{
				{Name: "ProductID", Kind: KindInt},
				{Name: "ProductName", Kind: KindString},
				{Name: "CategoryID", Kind: KindInt, Nullable: true},
			},
			Key:    []string{"ProductID"},
			KeyGen: KeyGenIdentity,
			Navigations: []NavigationProperty{
				{Name: "Category", TargetType: "Category", ForeignKeys: []string{"CategoryID"}, Cascade: Cascade{ClearParentNav: true}},
			},
		},
		&EntityType{
			Name: "TodoItem",
			Properties: []Property{
				{Name: "Id", Kind: KindInt},
				{Name: "Description", Kind: KindString},
				{Name: "IsDone", Kind: KindBool},
				{Name: "CreatedAt", Kind: KindTime},
			},
			Key:    []string{"Id"},
			KeyGen: KeyGenIdentity,
		},
		&EntityType{
			Name: "Tag",
			Properties: []Property{
				{Name: "Code", Kind: KindString},
				{Name: "Label", Kind: KindString},
			},
			Key:    []string{"Code"},
			KeyGen: KeyGenIdentity,
		},
	)
	require.NoError(t, err)
	return reg
}

// fakeSaver is an in-memory data service. It assigns permanent keys from a
// counter and rewrites foreign keys that reference temporary keys, the way
// the real service does.
type fakeSaver struct {
	mu      sync.Mutex
	nextID  int64
	bundles []*SaveBundle
	err     error
	block   chan struct{}
	started chan struct{}
	mutate  func(*SaveResponse)
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{nextID: 1000}
}

func (f *fakeSaver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}

func (f *fakeSaver) lastBundle() *SaveBundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bundles) == 0 {
		return nil
	}
	return f.bundles[len(f.bundles)-1]
}

func (f *fakeSaver) Submit(ctx context.Context, b *SaveBundle) (*SaveResponse, error) {
	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	err, block, started, mutate := f.err, f.block, f.started, f.mutate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	mapping := make(map[Identity]Key)
	for _, be := range b.Entities {
		if !be.TemporaryKey {
			continue
		}
		f.mu.Lock()
		f.nextID++
		n := f.nextID
		f.mu.Unlock()
		var real any
		switch be.KeyKinds[0] {
		case KindInt:
			real = n
		case KindString:
			real = fmt.Sprintf("K%d", n)
		case KindUUID:
			real = uuid.New()
		}
		mapping[identityOf(be.Type, be.Key)] = Key{real}
	}

	resp := &SaveResponse{}
	for _, be := range b.Entities {
		if be.State == Deleted {
			resp.Outcomes = append(resp.Outcomes, Outcome{Ref: be.Ref, Kind: OutcomeDeleted})
			continue
		}
		fields := cloneFields(be.Fields)
		for _, fk := range be.ForeignKeys {
			if nk, ok := mapping[identityOf(fk.TargetType, keyFrom(fields, fk.Properties))]; ok {
				setKeyParts(fields, fk.Properties, nk)
			}
		}
		key := keyFrom(fields, be.KeyProperties)
		if nk, ok := mapping[identityOf(be.Type, be.Key)]; ok {
			key = nk
		}
		resp.Outcomes = append(resp.Outcomes, Outcome{Ref: be.Ref, Kind: OutcomeSaved, Key: key, Fields: fields})
	}
	if mutate != nil {
		mutate(resp)
	}
	return resp, nil
}

func newTestManager(t *testing.T, saver Saver) *Manager {
	t.Helper()
	return NewManager(northwind(t), WithSaver(saver))
}

// materializeOrderGraph loads a customer, an employee, an order and three
// details as if fetched from the service.
func materializeOrderGraph(t *testing.T, m *Manager) (customer, employee, order *Entity, details []*Entity) {
	t.Helper()
	var err error
	customerID := uuid.MustParse("785efa04-cbf2-4dd7-a7de-083ee17b6ad2")
	customer, err = m.Materialize("Customer", map[string]any{"CustomerID": customerID, "CompanyName": "Alfreds Futterkiste"}, MergePreserveChanges)
	require.NoError(t, err)
	employee, err = m.Materialize("Employee", map[string]any{"EmployeeID": 1, "LastName": "Davolio"}, MergePreserveChanges)
	require.NoError(t, err)
	order, err = m.Materialize("Order", map[string]any{
		"OrderID":    10248,
		"CustomerID": customerID,
		"EmployeeID": 1,
		"ShipName":   "Vins et alcools Chevalier",
		"Freight":    32.38,
	}, MergePreserveChanges)
	require.NoError(t, err)
	for _, pid := range []int{11, 42, 72} {
		d, err := m.Materialize("OrderDetail", map[string]any{"OrderID": 10248, "ProductID": pid, "Quantity": 12}, MergePreserveChanges)
		require.NoError(t, err)
		details = append(details, d)
	}
	return customer, employee, order, details
}

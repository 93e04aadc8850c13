package entity

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// KeyGenerator describes who assigns permanent keys for an entity type.
type KeyGenerator int

const (
	// KeyGenNone means the client supplies the key (possibly a fresh UUID).
	KeyGenNone KeyGenerator = iota
	// KeyGenIdentity means the service assigns the key on insert; the client
	// works with a temporary key until the first save.
	KeyGenIdentity
)

func (g KeyGenerator) String() string {
	if g == KeyGenIdentity {
		return "identity"
	}
	return "none"
}

// Property describes a data property of an entity type.
type Property struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Zero returns the value a property is reset to when a relationship is cleared.
func (p Property) Zero() any {
	if p.Nullable {
		return nil
	}
	return p.Kind.Zero()
}

// Multiplicity is the cardinality of a navigation property.
type Multiplicity int

const (
	ToOne Multiplicity = iota
	ToMany
)

func (m Multiplicity) String() string {
	if m == ToMany {
		return "many"
	}
	return "one"
}

// Cascade controls what deleting one side of a relationship clears.
type Cascade struct {
	// ClearChildFK resets the dependent's foreign key to its zero sentinel
	// when the principal is deleted.
	ClearChildFK bool
	// ClearParentNav severs the dependent's navigation to its principal when
	// the dependent is deleted. The foreign key values are kept.
	ClearParentNav bool
}

func (c Cascade) merge(o Cascade) Cascade {
	return Cascade{
		ClearChildFK:   c.ClearChildFK || o.ClearChildFK,
		ClearParentNav: c.ClearParentNav || o.ClearParentNav,
	}
}

// NavigationProperty describes a navigation from one entity type to another.
// For ToOne navigations ForeignKeys name properties of the declaring type; for
// ToMany navigations they name properties of the target type.
type NavigationProperty struct {
	Name         string
	TargetType   string
	Multiplicity Multiplicity
	ForeignKeys  []string
	Cascade      Cascade
}

// EntityType describes one registered entity type.
type EntityType struct {
	Name        string
	Properties  []Property
	Key         []string
	KeyGen      KeyGenerator
	Navigations []NavigationProperty

	props map[string]int
	navs  map[string]int
}

// Property returns the named data property.
func (t *EntityType) Property(name string) (Property, bool) {
	i, ok := t.props[name]
	if !ok {
		return Property{}, false
	}
	return t.Properties[i], true
}

// Navigation returns the named navigation property.
func (t *EntityType) Navigation(name string) (NavigationProperty, bool) {
	i, ok := t.navs[name]
	if !ok {
		return NavigationProperty{}, false
	}
	return t.Navigations[i], true
}

// IsKeyProperty reports whether name is part of the primary key.
func (t *EntityType) IsKeyProperty(name string) bool {
	return slices.Contains(t.Key, name)
}

// KeyKinds returns the kinds of the key properties, in key order.
func (t *EntityType) KeyKinds() []Kind {
	kinds := make([]Kind, len(t.Key))
	for i, name := range t.Key {
		p, _ := t.Property(name)
		kinds[i] = p.Kind
	}
	return kinds
}

func (t *EntityType) index() error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty type name", ErrUnknownType)
	}
	t.props = make(map[string]int, len(t.Properties))
	for i, p := range t.Properties {
		if _, dup := t.props[p.Name]; dup {
			return fmt.Errorf("type %s: duplicate property %q", t.Name, p.Name)
		}
		t.props[p.Name] = i
	}
	if len(t.Key) == 0 {
		return fmt.Errorf("%w: type %s declares no key", ErrInvalidKey, t.Name)
	}
	for _, k := range t.Key {
		p, ok := t.Property(k)
		if !ok {
			return fmt.Errorf("%w: type %s key %q", ErrUnknownProperty, t.Name, k)
		}
		if p.Nullable {
			return fmt.Errorf("%w: type %s key property %q is nullable", ErrInvalidKey, t.Name, k)
		}
	}
	if t.KeyGen == KeyGenIdentity {
		if len(t.Key) != 1 {
			return fmt.Errorf("%w: type %s: identity keys must be a single property", ErrInvalidKey, t.Name)
		}
		p, _ := t.Property(t.Key[0])
		switch p.Kind {
		case KindInt, KindString, KindUUID:
		default:
			return fmt.Errorf("%w: type %s: identity key cannot be %s", ErrInvalidKey, t.Name, p.Kind)
		}
	}
	t.navs = make(map[string]int, len(t.Navigations))
	for i, n := range t.Navigations {
		if _, dup := t.navs[n.Name]; dup {
			return fmt.Errorf("type %s: duplicate navigation %q", t.Name, n.Name)
		}
		if _, clash := t.props[n.Name]; clash {
			return fmt.Errorf("type %s: navigation %q shadows a property", t.Name, n.Name)
		}
		if len(n.ForeignKeys) == 0 {
			return fmt.Errorf("type %s: navigation %q has no foreign keys", t.Name, n.Name)
		}
		t.navs[n.Name] = i
	}
	return nil
}

// Link is a relationship between a dependent type (which holds the foreign
// keys) and a principal type. Name is the dependent's to-one navigation and
// Inverse the principal's to-many navigation; either may be empty.
type Link struct {
	Name        string
	SourceType  string
	TargetType  string
	ForeignKeys []string
	Inverse     string
	Cascade     Cascade
}

// Metadata describes entity types and the relationships between them.
type Metadata interface {
	Describe(typeName string) (*EntityType, error)
	// LinksFrom returns the links where typeName is the dependent.
	LinksFrom(typeName string) []Link
	// LinksTo returns the links where typeName is the principal.
	LinksTo(typeName string) []Link
}

// Registry is an in-memory Metadata implementation.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*EntityType
	from  map[string][]Link
	to    map[string][]Link
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]*EntityType),
		from:  make(map[string][]Link),
		to:    make(map[string][]Link),
	}
}

// Register adds entity types. Navigation targets must be registered in the
// same call or earlier. Either all types are registered or none.
func (r *Registry) Register(types ...*EntityType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := make(map[string]*EntityType, len(r.types)+len(types))
	for name, t := range r.types {
		merged[name] = t
	}
	for _, t := range types {
		if t == nil {
			continue
		}
		if err := t.index(); err != nil {
			return err
		}
		if _, exists := merged[t.Name]; exists {
			return fmt.Errorf("type %s already registered", t.Name)
		}
		merged[t.Name] = t
	}

	from, to, err := deriveLinks(merged)
	if err != nil {
		return err
	}
	r.types, r.from, r.to = merged, from, to
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(types ...*EntityType) {
	if err := r.Register(types...); err != nil {
		panic(err)
	}
}

// Describe implements Metadata.
func (r *Registry) Describe(typeName string) (*EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeName)
	}
	return t, nil
}

// LinksFrom implements Metadata.
func (r *Registry) LinksFrom(typeName string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.from[typeName]
}

// LinksTo implements Metadata.
func (r *Registry) LinksTo(typeName string) []Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.to[typeName]
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func deriveLinks(types map[string]*EntityType) (map[string][]Link, map[string][]Link, error) {
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	var links []Link
	for _, name := range names {
		t := types[name]
		for _, n := range t.Navigations {
			if n.Multiplicity != ToOne {
				continue
			}
			target, ok := types[n.TargetType]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s.%s targets %s", ErrUnknownType, t.Name, n.Name, n.TargetType)
			}
			if err := checkForeignKeys(t, target, n); err != nil {
				return nil, nil, err
			}
			links = append(links, Link{
				Name:        n.Name,
				SourceType:  t.Name,
				TargetType:  target.Name,
				ForeignKeys: n.ForeignKeys,
				Cascade:     n.Cascade,
			})
		}
	}

	for _, name := range names {
		t := types[name]
		for _, n := range t.Navigations {
			if n.Multiplicity != ToMany {
				continue
			}
			child, ok := types[n.TargetType]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s.%s targets %s", ErrUnknownType, t.Name, n.Name, n.TargetType)
			}
			if err := checkForeignKeys(child, t, n); err != nil {
				return nil, nil, err
			}
			matched := false
			for i := range links {
				l := &links[i]
				if l.SourceType == child.Name && l.TargetType == t.Name && slices.Equal(l.ForeignKeys, n.ForeignKeys) {
					if l.Inverse != "" {
						return nil, nil, fmt.Errorf("type %s: navigations %q and %q share one relationship", t.Name, l.Inverse, n.Name)
					}
					l.Inverse = n.Name
					l.Cascade = l.Cascade.merge(n.Cascade)
					matched = true
					break
				}
			}
			if !matched {
				links = append(links, Link{
					SourceType:  child.Name,
					TargetType:  t.Name,
					ForeignKeys: n.ForeignKeys,
					Inverse:     n.Name,
					Cascade:     n.Cascade,
				})
			}
		}
	}

	from := make(map[string][]Link)
	to := make(map[string][]Link)
	for _, l := range links {
		from[l.SourceType] = append(from[l.SourceType], l)
		to[l.TargetType] = append(to[l.TargetType], l)
	}
	return from, to, nil
}

// checkForeignKeys verifies that the foreign keys on dependent line up with
// the principal's key.
func checkForeignKeys(dependent, principal *EntityType, n NavigationProperty) error {
	if len(n.ForeignKeys) != len(principal.Key) {
		return fmt.Errorf("%w: navigation %q: %d foreign keys for a %d-part key of %s",
			ErrInvalidKey, n.Name, len(n.ForeignKeys), len(principal.Key), principal.Name)
	}
	kinds := principal.KeyKinds()
	for i, fk := range n.ForeignKeys {
		p, ok := dependent.Property(fk)
		if !ok {
			return fmt.Errorf("%w: navigation %q foreign key %s.%s", ErrUnknownProperty, n.Name, dependent.Name, fk)
		}
		if p.Kind != kinds[i] {
			return fmt.Errorf("%w: navigation %q foreign key %s.%s is %s, key is %s",
				ErrInvalidValue, n.Name, dependent.Name, fk, p.Kind, kinds[i])
		}
	}
	return nil
}

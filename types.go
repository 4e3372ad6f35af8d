package lockkeeper

// ClientID uniquely identifies a live client. Ids are drawn from and
// returned to a ClientPool; a given id is reused once its owning client
// has been closed and its active-count has drained to zero.
type ClientID uint64

// ResourceID is a 64-bit value unique within a resource type.
type ResourceID int64

// ResourceType names a namespace of resources and supplies the dense
// array index the LockTable is keyed by. It is an external collaborator:
// the resource-type registry that assigns and owns TypeID values lives
// outside this package.
type ResourceType interface {
	// TypeID returns the resource type's dense index, in
	// [0, ManagerConfig.NumResourceTypes).
	TypeID() int
}

// intResourceType is the simplest possible ResourceType, useful for
// callers (and tests) that do not need a richer registry.
type intResourceType int

// TypeID implements ResourceType.
func (t intResourceType) TypeID() int { return int(t) }

// ResourceTypeOf adapts a plain int into a ResourceType.
func ResourceTypeOf(id int) ResourceType { return intResourceType(id) }

// LockMode names the mode a resource is held in, as reported by
// Client.ActiveLocks.
type LockMode int

const (
	// Shared means the resource is held non-exclusively.
	Shared LockMode = iota
	// Exclusive means the resource is held exclusively.
	Exclusive
)

// String implements fmt.Stringer.
func (m LockMode) String() string {
	switch m {
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	default:
		return "Unknown"
	}
}

// HeldLock describes one resource held by a Client, as returned by
// Client.ActiveLocks. Type is the dense resource-type index
// (ResourceType.TypeID()), not the ResourceType value itself, since a
// Client's counters are keyed by index rather than by the registry
// object a caller happened to pass in.
type HeldLock struct {
	Type int
	ID   ResourceID
	Mode LockMode
}

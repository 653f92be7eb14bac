package contracts

// Action identifies the kind of state transition described by a ProductEvent.
type Action string

const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
	ActionDeleted Action = "DELETED"
)

// IsKnown reports whether the action is one of CREATED, UPDATED or DELETED.
func (a Action) IsKnown() bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

func (a Action) String() string {
	return string(a)
}

// ParseAction converts a wire value into an Action. Unknown values are
// returned as-is so callers can report them.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, a.IsKnown()
}

// Product is the entity kept in the materialized view. An empty ID or Version
// means the field is absent.
type Product struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

// ProductEvent extends Product with the action that produced it.
type ProductEvent struct {
	Product
	Event Action `json:"event"`
}

// NewProductEvent pairs a product snapshot with an action.
func NewProductEvent(p Product, action Action) ProductEvent {
	return ProductEvent{Product: p, Event: action}
}

// Snapshot returns the product state carried by the event.
func (e ProductEvent) Snapshot() Product {
	return e.Product
}

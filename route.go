package carrier

import (
	"log/slog"
	"strings"
)

// Route identifies one logical connection direction.
type Route struct {
	From    string
	To      string
	Carrier string
}

func NewRoute(from, to, carrierName string) Route {
	return Route{From: from, To: to, Carrier: carrierName}
}

// String returns the `from->to` form.
func (r Route) String() string {
	return r.From + "->" + r.To
}

// Reverse returns the `to<-from` form, as seen by the receiving side.
func (r Route) Reverse() string {
	return r.To + "<-" + r.From
}

// Identity is what goes on the wire to name this route, in bootstrap
// hellos and disconnect announcements.
func (r Route) Identity() []byte {
	return []byte(r.String())
}

func (r Route) WithCarrier(name string) Route {
	r.Carrier = name
	return r
}

// ParseRouteIdentity is the inverse of Identity, the carrier name is
// not part of it.
func ParseRouteIdentity(identity []byte) (Route, bool) {
	from, to, ok := strings.Cut(string(identity), "->")
	if !ok || from == "" || to == "" {
		return Route{}, false
	}
	return Route{From: from, To: to}, true
}

func (r Route) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("from", r.From),
		slog.String("to", r.To),
		slog.String("carrier", r.Carrier),
	)
}

package naming

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/jabolina/go-roam/pkg/roam/types"
	"golang.org/x/exp/slices"
)

// How many previous addresses are kept for each uri.
const MaxForwardingHistory = 8

var (
	ErrUnknownURI = errors.New("unknown uri")
	ErrNoPeer     = errors.New("no peer available")
)

// Location of a single logical uri.
type entry struct {
	// Addresses currently serving the uri, most recent last.
	current []types.Address

	// Every address that served the uri, most recent last.
	history []types.Address
}

func (e *entry) remember(address types.Address) {
	e.history = append(e.history, address)
	if len(e.history) > MaxForwardingHistory {
		e.history = e.history[len(e.history)-MaxForwardingHistory:]
	}
}

// LocationRegistry maps logical uris to the physical addresses serving them.
// Every address referenced by some uri is also present on the global set
// of known addresses, which is used to pick migration candidates.
//
// Updates are rare compared to lookups, a single registry-wide lock
// is enough.
type LocationRegistry struct {
	mutex sync.RWMutex

	locations map[types.LogicalURI]*entry

	// Global set of known addresses.
	addresses map[types.Address]struct{}

	rand *rand.Rand
}

func NewLocationRegistry() *LocationRegistry {
	return &LocationRegistry{
		locations: make(map[types.LogicalURI]*entry),
		addresses: make(map[types.Address]struct{}),
		rand:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// Register records that the address is serving the uri.
// The first address becomes the current one, a new address for
// a uri already registered is added as another candidate.
// Registering the same pair again changes nothing.
func (r *LocationRegistry) Register(uri types.LogicalURI, address types.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.addresses[address] = struct{}{}
	e, ok := r.locations[uri]
	if !ok {
		e = &entry{}
		r.locations[uri] = e
	}

	if slices.Contains(e.current, address) {
		return
	}
	e.current = append(e.current, address)
	e.remember(address)
}

// SetCurrent replaces every current address of the uri with the given one.
func (r *LocationRegistry) SetCurrent(uri types.LogicalURI, address types.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.addresses[address] = struct{}{}
	e, ok := r.locations[uri]
	if !ok {
		e = &entry{}
		r.locations[uri] = e
	}

	if len(e.current) == 1 && e.current[0] == address {
		return
	}
	e.current = []types.Address{address}
	e.remember(address)
}

// Resolve returns the current address for the uri.
// With many candidates, the one closest to the requester is selected,
// falling back to the most recent one.
func (r *LocationRegistry) Resolve(uri types.LogicalURI, requester string) (types.Address, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.locations[uri]
	if !ok || len(e.current) == 0 {
		return "", false
	}

	if len(e.current) > 1 {
		if closest, ok := FindClosest(requester, e.current); ok {
			return closest, true
		}
	}
	return e.current[len(e.current)-1], true
}

// PickRandomPeer returns a random known address not currently serving the uri.
func (r *LocationRegistry) PickRandomPeer(uri types.LogicalURI) (types.Address, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var current []types.Address
	if e, ok := r.locations[uri]; ok {
		current = e.current
	}

	candidates := make([]types.Address, 0, len(r.addresses))
	for address := range r.addresses {
		if !slices.Contains(current, address) {
			candidates = append(candidates, address)
		}
	}

	if len(candidates) == 0 {
		return "", false
	}

	// Map iteration order is not uniform.
	slices.Sort(candidates)
	return candidates[r.rand.Intn(len(candidates))], true
}

// Deregister forgets the address, it is not a candidate anymore
// and stops serving every uri.
func (r *LocationRegistry) Deregister(address types.Address) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.addresses, address)
	for _, e := range r.locations {
		e.current = slices.DeleteFunc(e.current, func(a types.Address) bool {
			return a == address
		})
	}
}

// History returns the forwarding history of the uri, most recent last.
func (r *LocationRegistry) History(uri types.LogicalURI) []types.Address {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.locations[uri]
	if !ok {
		return nil
	}
	return slices.Clone(e.history)
}

// Size returns how many addresses are known.
func (r *LocationRegistry) Size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.addresses)
}

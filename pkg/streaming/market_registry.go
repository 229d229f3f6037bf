package streaming

import (
	"sync"

	"github.com/google/uuid"

	"github.com/polymarket/subscriptions-core/internal/logger"
)

// marketGroup is one multiplexed market-channel connection: a set of asset
// ids sharing a single socket, plus that socket's current lifecycle status.
// The socket never owns the group; it only ever addresses it by id through
// the registry, so a group can be retired and its socket kept alive for
// draining without either side holding a stale pointer to the other.
type marketGroup struct {
	id         string
	assetIDs   map[string]struct{}
	socket     *GroupSocket
	status     GroupStatus
	connecting bool
}

// MarketRegistry owns the authoritative list of market groups. Every
// mutation runs under mu via the mutate helper; callers then perform any
// I/O (dialing, closing) outside the lock using the ids and group
// snapshots mutate returns.
type MarketRegistry struct {
	mu     sync.Mutex
	groups []*marketGroup
	log    logger.Logger
}

// NewMarketRegistry returns an empty registry.
func NewMarketRegistry(log logger.Logger) *MarketRegistry {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &MarketRegistry{log: log}
}

// mutate runs fn with the registry locked and returns whatever fn returns.
// fn must not block or call back into the registry.
func mutate[T any](r *MarketRegistry, fn func() T) T {
	return withLock(&r.mu, fn)
}

func (r *MarketRegistry) newGroup() *marketGroup {
	return &marketGroup{id: uuid.New().String(), assetIDs: make(map[string]struct{}), status: StatusPending}
}

func (r *MarketRegistry) assetPresentLocked(assetID string) bool {
	for _, g := range r.groups {
		if g.status == StatusCleanup {
			continue
		}
		if _, ok := g.assetIDs[assetID]; ok {
			return true
		}
	}
	return false
}

// findGroupWithCapacityLocked returns the first non-empty PENDING or ALIVE
// group with room for n more assets, or nil if none has room for the whole
// batch at once.
func (r *MarketRegistry) findGroupWithCapacityLocked(max, n int) *marketGroup {
	for _, g := range r.groups {
		if g.status != StatusPending && g.status != StatusAlive {
			continue
		}
		if len(g.assetIDs) == 0 {
			continue
		}
		if len(g.assetIDs)+n > max {
			continue
		}
		return g
	}
	return nil
}

// AddAssets subscribes to every asset id not already covered by a live
// group. The residual (ids not already present anywhere) is placed as a
// single unit: if no existing group has room for the whole residual, it is
// split into chunks of max and each chunk opens its own new PENDING group;
// otherwise the first group with room for the whole residual is grown by
// replacement — a brand new group carries the union of its assets and the
// residual, and the old group is retired to CLEANUP with its assetIds
// emptied rather than mutated in place. It returns the ids of groups that
// now need a connect attempt dispatched by the caller.
func (r *MarketRegistry) AddAssets(ids []string, max int) []string {
	if max <= 0 {
		max = 100
	}
	return mutate(r, func() []string {
		var residual []string
		for _, id := range ids {
			if !r.assetPresentLocked(id) {
				residual = append(residual, id)
			}
		}
		if len(residual) == 0 {
			return nil
		}

		var toConnect []string
		markConnect := func(g *marketGroup) {
			if g.connecting {
				return
			}
			g.connecting = true
			toConnect = append(toConnect, g.id)
		}

		g := r.findGroupWithCapacityLocked(max, len(residual))
		if g == nil {
			for start := 0; start < len(residual); start += max {
				end := start + max
				if end > len(residual) {
					end = len(residual)
				}
				ng := r.newGroup()
				for _, id := range residual[start:end] {
					ng.assetIDs[id] = struct{}{}
				}
				r.groups = append(r.groups, ng)
				markConnect(ng)
			}
			return toConnect
		}

		replacement := r.newGroup()
		for existing := range g.assetIDs {
			replacement.assetIDs[existing] = struct{}{}
		}
		for _, id := range residual {
			replacement.assetIDs[id] = struct{}{}
		}
		g.status = StatusCleanup
		g.assetIDs = make(map[string]struct{})
		r.groups = append(r.groups, replacement)
		markConnect(replacement)
		return toConnect
	})
}

// RemoveAssets unsubscribes the given asset ids from whatever group
// currently holds them and drops their cached book state. Groups left with
// zero asset ids are not reaped here, so their socket is given a chance to
// flush any in-flight frame first; the next reconnect/cleanup tick reaps
// them unless they are still PENDING, in which case they are kept.
func (r *MarketRegistry) RemoveAssets(ids []string, cache *OrderBookCache) {
	removed := mutate(r, func() []string {
		var removedIDs []string
		for _, id := range ids {
			found := false
			for _, g := range r.groups {
				if _, ok := g.assetIDs[id]; ok {
					delete(g.assetIDs, id)
					found = true
				}
			}
			if found {
				removedIDs = append(removedIDs, id)
			}
		}
		return removedIDs
	})
	if len(removed) > 0 {
		cache.DropAssets(removed)
	}
}

// HasAsset reports whether assetID is currently covered by at least one
// non-CLEANUP group. Used to filter inbound events for assets that were
// just unsubscribed but whose retiring socket hasn't drained yet.
func (r *MarketRegistry) HasAsset(assetID string) bool {
	return mutate(r, func() bool {
		count := 0
		for _, g := range r.groups {
			if g.status == StatusCleanup {
				continue
			}
			if _, ok := g.assetIDs[assetID]; ok {
				count++
			}
		}
		if count > 1 {
			r.log.Warn("asset %s present in %d market groups simultaneously", assetID, count)
		}
		return count > 0
	})
}

// AssetIDs returns a snapshot of a group's current asset ids.
func (r *MarketRegistry) AssetIDs(groupID string) ([]string, bool) {
	type result struct {
		ids   []string
		found bool
	}
	res := mutate(r, func() result {
		for _, g := range r.groups {
			if g.id == groupID {
				ids := make([]string, 0, len(g.assetIDs))
				for id := range g.assetIDs {
					ids = append(ids, id)
				}
				return result{ids: ids, found: true}
			}
		}
		return result{}
	})
	return res.ids, res.found
}

// SetStatus transitions a group's lifecycle status and clears its
// in-flight connect marker.
func (r *MarketRegistry) SetStatus(groupID string, status GroupStatus) {
	mutate(r, func() struct{} {
		for _, g := range r.groups {
			if g.id == groupID {
				g.status = status
				g.connecting = false
				return struct{}{}
			}
		}
		return struct{}{}
	})
}

// SetSocket attaches the socket object driving a group's connection.
func (r *MarketRegistry) SetSocket(groupID string, socket *GroupSocket) {
	mutate(r, func() struct{} {
		for _, g := range r.groups {
			if g.id == groupID {
				g.socket = socket
				return struct{}{}
			}
		}
		return struct{}{}
	})
}

// GetGroupsToReconnectAndCleanup is the body of the periodic tick: it
// closes and reaps retired (CLEANUP) groups and empty groups that are not
// PENDING, and returns the ids of groups that are PENDING (never connected)
// or DEAD (dropped and need a fresh socket) and have no connect attempt
// already in flight. An empty PENDING group is not reaped; it is kept and
// returned like any other PENDING group.
func (r *MarketRegistry) GetGroupsToReconnectAndCleanup() []string {
	toClose := mutate(r, func() []*GroupSocket {
		var closeList []*GroupSocket
		kept := r.groups[:0]
		for _, g := range r.groups {
			switch {
			case len(g.assetIDs) == 0 && g.status != StatusPending:
				if g.socket != nil {
					closeList = append(closeList, g.socket)
				}
				continue
			case g.status == StatusCleanup:
				if g.socket != nil {
					closeList = append(closeList, g.socket)
				}
				continue
			default:
				kept = append(kept, g)
			}
		}
		r.groups = kept
		return closeList
	})
	for _, s := range toClose {
		s.Close(1000, "retired")
	}

	return mutate(r, func() []string {
		var toConnect []string
		for _, g := range r.groups {
			if g.connecting {
				continue
			}
			if g.status == StatusPending || g.status == StatusDead {
				g.connecting = true
				toConnect = append(toConnect, g.id)
			}
		}
		return toConnect
	})
}

// Clear closes every group's socket and empties the registry, used by
// full-state resets.
func (r *MarketRegistry) Clear() {
	toClose := mutate(r, func() []*GroupSocket {
		var sockets []*GroupSocket
		for _, g := range r.groups {
			if g.socket != nil {
				sockets = append(sockets, g.socket)
			}
		}
		r.groups = nil
		return sockets
	})
	for _, s := range toClose {
		s.Close(1000, "cleared")
	}
}

// GroupCount returns the number of groups currently tracked, for tests and
// diagnostics.
func (r *MarketRegistry) GroupCount() int {
	return mutate(r, func() int { return len(r.groups) })
}

// GroupIDs returns a snapshot of every tracked group's id, regardless of
// status, for diagnostics and tests.
func (r *MarketRegistry) GroupIDs() []string {
	return mutate(r, func() []string {
		ids := make([]string, len(r.groups))
		for i, g := range r.groups {
			ids[i] = g.id
		}
		return ids
	})
}

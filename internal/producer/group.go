package producer

import (
	"maps"
	"sync"

	"github.com/xtxerr/obshub/internal/errors"
	"github.com/xtxerr/obshub/internal/eventbus"
	"github.com/xtxerr/obshub/internal/model"
)

// Group is a producer with nested member producers. Members may be
// groups themselves.
type Group struct {
	*Base

	membersMu sync.RWMutex
	members   map[string]model.Producer
}

// NewGroup creates an empty group.
func NewGroup(uid string, bus eventbus.Bus, opts ...Option) *Group {
	return &Group{
		Base:    New(uid, bus, opts...),
		members: make(map[string]model.Producer),
	}
}

// Members returns a copy of the member map.
func (g *Group) Members() map[string]model.Producer {
	g.membersMu.RLock()
	defer g.membersMu.RUnlock()
	return maps.Clone(g.members)
}

// AddMember adds p to the group.
func (g *Group) AddMember(p model.Producer) error {
	uid := p.UID()
	if uid == g.uid {
		return errors.NewValidation("member", "a group cannot contain itself")
	}

	g.membersMu.Lock()
	defer g.membersMu.Unlock()

	if _, ok := g.members[uid]; ok {
		return errors.NewAlreadyExists("member", uid)
	}
	g.members[uid] = p
	return nil
}

// RemoveMember removes the member uid. It reports whether it was present.
func (g *Group) RemoveMember(uid string) bool {
	g.membersMu.Lock()
	defer g.membersMu.Unlock()

	if _, ok := g.members[uid]; !ok {
		return false
	}
	delete(g.members, uid)
	return true
}

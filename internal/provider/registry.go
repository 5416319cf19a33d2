package provider

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registration is one listener keyed by its owner.
type Registration struct {
	Handle   uuid.UUID
	Owner    string
	Listener Listener
}

// Registry holds the provider's listeners in registration order. It is
// owned by the provider loop and not safe for concurrent use.
type Registry struct {
	regs []*Registration
	log  *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Add registers l for owner, replacing any listener owner already had.
func (r *Registry) Add(handle uuid.UUID, owner string, l Listener) {
	for _, reg := range r.regs {
		if reg.Owner == owner {
			reg.Handle = handle
			reg.Listener = l
			return
		}
	}
	r.regs = append(r.regs, &Registration{Handle: handle, Owner: owner, Listener: l})
}

// Remove unregisters owner's listener.
func (r *Registry) Remove(owner string) bool {
	for i, reg := range r.regs {
		if reg.Owner == owner {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveHandle unregisters the listener added with handle.
func (r *Registry) RemoveHandle(handle uuid.UUID) bool {
	for i, reg := range r.regs {
		if reg.Handle == handle {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Len() int { return len(r.regs) }

// Owners returns the registered owners in order.
func (r *Registry) Owners() []string {
	out := make([]string, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.Owner
	}
	return out
}

// Publish delivers ev to every listener. A listener whose delivery fails is
// removed and the rest still receive ev. It returns how many were pruned.
func (r *Registry) Publish(ev Event) int {
	kept := r.regs[:0]
	pruned := 0
	for _, reg := range r.regs {
		if err := reg.Listener.Deliver(ev); err != nil {
			r.log.Info("provider: listener pruned",
				zap.String("owner", reg.Owner),
				zap.Stringer("handle", reg.Handle),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
			pruned++
			continue
		}
		kept = append(kept, reg)
	}
	for i := len(kept); i < len(r.regs); i++ {
		r.regs[i] = nil
	}
	r.regs = kept
	return pruned
}

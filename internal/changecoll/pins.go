package changecoll

import "time"

// Pin records that reader id still needs events after pos. Re-pinning
// refreshes the pin's age.
func (c *Collection) Pin(id string, pos Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.pins[id] = pin{pos: pos, at: c.store.clock.Now()}
}

// Unpin drops reader id's pin.
func (c *Collection) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pins, id)
}

// OldestPin returns the smallest pinned position among pins younger than
// margin at now. A zero margin disables pins.
func (c *Collection) OldestPin(now time.Time, margin time.Duration) (Position, bool) {
	if margin <= 0 {
		return Position{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		oldest Position
		found  bool
	)
	for _, p := range c.pins {
		if now.Sub(p.at) >= margin {
			continue
		}
		if !found || p.pos.Less(oldest) {
			oldest, found = p.pos, true
		}
	}
	return oldest, found
}

package bus

// pairEnd forwards an endpoint's outbound envelopes straight into the peer
// bus, stamped with the sender's declared origin.
type pairEnd struct {
	peer   *Bus
	origin string
}

func (p *pairEnd) Send(env Envelope) error {
	p.peer.Deliver(p.origin, env)
	return nil
}

// Pair connects two endpoints in process, the stand-in for a host window and
// an embedded frame. Delivery is synchronous: handlers run on the sender's
// goroutine, which keeps request/response interleaving deterministic.
func Pair(host, child Options) (*Bus, *Bus) {
	hostEnd := &pairEnd{origin: host.Origin}
	childEnd := &pairEnd{origin: child.Origin}
	host.Transport = hostEnd
	child.Transport = childEnd
	hostBus := New(host)
	childBus := New(child)
	hostEnd.peer = childBus
	childEnd.peer = hostBus
	return hostBus, childBus
}

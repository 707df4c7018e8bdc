package store

import "sync"

// notifier fans membership changes out to per-mesh subscribers.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(meshID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[meshID] == nil {
		n.subs[meshID] = make(map[chan struct{}]struct{})
	}
	n.subs[meshID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			if set, ok := n.subs[meshID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.subs, meshID)
				}
			}
			n.mu.Unlock()
			close(ch)
		})
	}
}

// notify never blocks: a subscriber with a pending signal keeps just that one.
func (n *notifier) notify(meshID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[meshID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) count(meshID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[meshID])
}

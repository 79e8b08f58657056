package broker

import "sync"

type channelCloser interface {
	IsClosed() bool
	Close() error
}

// channelSet keeps one channel per key and reopens only the channel that closed.
// Deliveries fetched on a key's channel are acked on it, so channel errors on
// other keys never requeue them.
type channelSet[C channelCloser] struct {
	mu    sync.Mutex
	open  func() (C, error)
	byKey map[string]C
}

func newChannelSet[C channelCloser](open func() (C, error)) *channelSet[C] {
	return &channelSet[C]{open: open, byKey: make(map[string]C)}
}

func (s *channelSet[C]) get(key string) (C, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.byKey[key]; ok && !ch.IsClosed() {
		return ch, nil
	}
	ch, err := s.open()
	if err != nil {
		var zero C
		return zero, err
	}
	s.byKey[key] = ch
	return ch, nil
}

// drop closes and forgets the channel kept for key.
func (s *channelSet[C]) drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byKey[key]
	if !ok {
		return
	}
	if !ch.IsClosed() {
		_ = ch.Close()
	}
	delete(s.byKey, key)
}

func (s *channelSet[C]) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ch := range s.byKey {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		delete(s.byKey, key)
	}
}

const opsChannel = "ops"

func getChannel(queue string) string {
	return "get:" + queue
}

package voice

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

type key struct {
	guildID string
	userID  string
}

type slot struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu    sync.Mutex
	slots map[key]*slot
}

// slotTable hands out one mutex per (guild, user). Slots are refcounted and
// dropped once nobody holds or waits on them, so the table only grows with
// in-flight transitions.
type slotTable struct {
	shards [shardCount]shard
}

func newSlotTable() *slotTable {
	t := &slotTable{}
	for i := range t.shards {
		t.shards[i].slots = make(map[key]*slot)
	}
	return t
}

func (t *slotTable) shardFor(k key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.guildID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.userID))
	return &t.shards[h.Sum32()%shardCount]
}

// lock blocks until the caller owns k and returns the matching unlock.
func (t *slotTable) lock(k key) func() {
	sh := t.shardFor(k)

	sh.mu.Lock()
	s, ok := sh.slots[k]
	if !ok {
		s = &slot{}
		sh.slots[k] = s
	}
	s.refs++
	sh.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		sh.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(sh.slots, k)
		}
		sh.mu.Unlock()
	}
}

func (t *slotTable) size() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.slots)
		sh.mu.Unlock()
	}
	return n
}

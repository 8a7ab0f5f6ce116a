package hotstore

import (
	"math/rand"

	"github.com/devrev/pairdb/tierstore/internal/model"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type skipListNode struct {
	key     string
	record  *model.Record
	forward []*skipListNode
}

// skipList keeps records sorted by their order key. It is not safe for
// concurrent use; MemoryStore guards it.
type skipList struct {
	head  *skipListNode
	level int
	size  int
}

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{forward: make([]*skipListNode, maxLevel)},
	}
}

func (sl *skipList) randomLevel() int {
	level := 0
	for rand.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// insert adds or replaces the record stored under key
func (sl *skipList) insert(key string, record *model.Record) {
	update := make([]*skipListNode, maxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current != nil && current.key == key {
		current.record = record
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	node := &skipListNode{
		key:     key,
		record:  record,
		forward: make([]*skipListNode, newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	sl.size++
}

func (sl *skipList) delete(key string) bool {
	update := make([]*skipListNode, maxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current == nil || current.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != current {
			break
		}
		update[i].forward[i] = current.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}

	sl.size--
	return true
}

func (sl *skipList) search(key string) (*model.Record, bool) {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
	}
	current = current.forward[0]
	if current != nil && current.key == key {
		return current.record, true
	}
	return nil, false
}

// seekAfter returns the first node whose key is strictly greater than key.
// An empty key starts at the beginning.
func (sl *skipList) seekAfter(key string) *skipListNode {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key <= key {
			current = current.forward[i]
		}
	}
	return current.forward[0]
}

func (sl *skipList) len() int {
	return sl.size
}

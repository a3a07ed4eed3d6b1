package core

import (
	"strconv"

	"github.com/jabolina/go-roam/pkg/roam/types"
	"github.com/wangjia184/sortedset"
)

// MessageLog holds every delivered message ordered by its index.
// Each index holds a single message, inserting on a taken index
// keeps the first message.
//
// The log is not thread safe, the coordinator lock guards it.
type MessageLog struct {
	set *sortedset.SortedSet
}

func NewMessageLog() *MessageLog {
	return &MessageLog{set: sortedset.New()}
}

func key(index types.DeliveryIndex) string {
	return strconv.FormatUint(uint64(index), 10)
}

// Append the message at its index.
// Returns false if the index was already taken.
func (l *MessageLog) Append(message types.Delivered) bool {
	k := key(message.Index)
	if l.set.GetByKey(k) != nil {
		return false
	}
	l.set.AddOrUpdate(k, sortedset.SCORE(message.Index), message)
	return true
}

// Get the message at the given index.
func (l *MessageLog) Get(index types.DeliveryIndex) (types.Delivered, bool) {
	node := l.set.GetByKey(key(index))
	if node == nil {
		return types.Delivered{}, false
	}
	return node.Value.(types.Delivered), true
}

// Since returns all messages with index at or after the given one.
func (l *MessageLog) Since(index types.DeliveryIndex) []types.Delivered {
	max := l.set.PeekMax()
	if max == nil || max.Score() < sortedset.SCORE(index) {
		return nil
	}
	nodes := l.set.GetByScoreRange(sortedset.SCORE(index), max.Score(), nil)
	messages := make([]types.Delivered, 0, len(nodes))
	for _, node := range nodes {
		messages = append(messages, node.Value.(types.Delivered))
	}
	return messages
}

// All returns the whole log ordered by index.
func (l *MessageLog) All() []types.Delivered {
	return l.Since(0)
}

// Highest returns the greatest index present.
func (l *MessageLog) Highest() (types.DeliveryIndex, bool) {
	max := l.set.PeekMax()
	if max == nil {
		return 0, false
	}
	return types.DeliveryIndex(max.Score()), true
}

// Size of the log.
func (l *MessageLog) Size() int {
	return l.set.GetCount()
}

// Merge inserts every message not yet present.
// Returns how many were inserted.
func (l *MessageLog) Merge(messages []types.Delivered) int {
	inserted := 0
	for _, message := range messages {
		if l.Append(message) {
			inserted++
		}
	}
	return inserted
}

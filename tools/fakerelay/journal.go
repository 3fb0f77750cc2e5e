package main

import (
	"encoding/json"
	"sync"
	"time"
)

type journalEntry struct {
	offset    uint64
	data      json.RawMessage
	timestamp int64
}

// messageJournal assigns monotonically increasing offsets per channel and
// retains a bounded window of entries for replay.
type messageJournal struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string][]journalEntry
	nextOffset map[string]uint64
}

func newMessageJournal(maxEntries int) *messageJournal {
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	return &messageJournal{
		maxEntries: maxEntries,
		entries:    make(map[string][]journalEntry),
		nextOffset: make(map[string]uint64),
	}
}

// append records one published message and returns its assigned entry.
func (journal *messageJournal) append(channel string, data json.RawMessage) journalEntry {
	journal.mu.Lock()
	defer journal.mu.Unlock()

	journal.nextOffset[channel]++
	entry := journalEntry{
		offset:    journal.nextOffset[channel],
		data:      data,
		timestamp: time.Now().UnixMilli(),
	}

	window := append(journal.entries[channel], entry)
	if len(window) > journal.maxEntries {
		window = window[len(window)-journal.maxEntries:]
	}
	journal.entries[channel] = window

	return entry
}

// replay returns every retained entry with an offset strictly greater than
// fromOffset, oldest first.
func (journal *messageJournal) replay(channel string, fromOffset uint64) []journalEntry {
	journal.mu.Lock()
	defer journal.mu.Unlock()

	window := journal.entries[channel]
	replayed := make([]journalEntry, 0, len(window))
	for _, entry := range window {
		if entry.offset > fromOffset {
			replayed = append(replayed, entry)
		}
	}
	return replayed
}

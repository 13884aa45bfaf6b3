package storage

import "sync"

// Record is a journaled Event with its sequence number.
type Record struct {
	Seq uint64 `json:"seq"`
	Event
}

// Journal keeps the most recent changes of a Shared store in publication
// order, so a process that is not attached to it can catch up by cursor.
type Journal struct {
	mu   sync.Mutex
	ring []Record
	// head is the ring index of the oldest record, n the number retained.
	head int
	n    int
	last uint64
}

func NewJournal(size int) *Journal {
	if size <= 0 {
		size = 1
	}
	return &Journal{ring: make([]Record, size)}
}

// Append stores ev and returns its sequence number. Numbers start at 1.
// Once full, each append overwrites the oldest record.
func (j *Journal) Append(ev Event) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.last++
	rec := Record{Seq: j.last, Event: ev}
	if j.n < len(j.ring) {
		j.ring[(j.head+j.n)%len(j.ring)] = rec
		j.n++
	} else {
		j.ring[j.head] = rec
		j.head = (j.head + 1) % len(j.ring)
	}
	return j.last
}

// at returns the i-th oldest retained record.
func (j *Journal) at(i int) Record {
	return j.ring[(j.head+i)%len(j.ring)]
}

// Last is the sequence number of the newest record, 0 if none.
func (j *Journal) Last() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Since returns the records after cursor whose origin is not exclude, and the
// cursor to pass next time. truncated reports that records between cursor and
// the oldest retained one were lost, or that cursor is ahead of the journal.
func (j *Journal) Since(cursor uint64, exclude string) (recs []Record, next uint64, truncated bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if cursor > j.last {
		return nil, j.last, true
	}
	if j.n > 0 && j.at(0).Seq > cursor+1 {
		truncated = true
	}
	for i := 0; i < j.n; i++ {
		r := j.at(i)
		if r.Seq <= cursor {
			continue
		}
		if exclude != "" && r.Origin == exclude {
			continue
		}
		recs = append(recs, r)
	}
	return recs, j.last, truncated
}

// Batch is one page of a change feed read by cursor.
type Batch struct {
	Records   []Record
	Next      uint64
	Truncated bool
}

package memory

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// EnvelopeLedger remembers which envelope ids an issue has already handled.
// Entries never expire; the ledger lives exactly as long as its issue.
type EnvelopeLedger struct {
	cache *cache.Cache
}

func NewEnvelopeLedger() *EnvelopeLedger {
	return &EnvelopeLedger{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

// MarkIfNew records id and reports true the first time it is seen.
func (l *EnvelopeLedger) MarkIfNew(id string) bool {
	return l.cache.Add(id, time.Now(), cache.NoExpiration) == nil
}

func (l *EnvelopeLedger) Seen(id string) bool {
	_, found := l.cache.Get(id)
	return found
}

func (l *EnvelopeLedger) Len() int {
	return l.cache.ItemCount()
}

func (l *EnvelopeLedger) Reset() {
	l.cache.Flush()
}

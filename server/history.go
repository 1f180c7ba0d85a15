// history.go - Begrenzte History ausgefuehrter Prompts
package server

import (
	"sync"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/fluxmod/api"
)

// History speichert Prompt-Ergebnisse in Einfuegereihenfolge. Ist limit > 0,
// wird der aelteste Eintrag verdraengt.
type History struct {
	mu      sync.Mutex
	limit   int
	entries *linkedhashmap.Map[string, *api.HistoryEntry]
}

func NewHistory(limit int) *History {
	return &History{limit: limit, entries: linkedhashmap.New[string, *api.HistoryEntry]()}
}

func (h *History) Add(e *api.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries.Remove(e.PromptID)
	h.entries.Put(e.PromptID, e)
	for h.limit > 0 && h.entries.Size() > h.limit {
		h.entries.Remove(h.entries.Keys()[0])
	}
}

func (h *History) Get(id string) (*api.HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries.Get(id)
}

// Last gibt die neuesten n Eintraege zurueck (n <= 0: alle), aelteste zuerst
func (h *History) Last(n int) *orderedmap.OrderedMap[string, *api.HistoryEntry] {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := h.entries.Keys()
	if n > 0 && n < len(keys) {
		keys = keys[len(keys)-n:]
	}

	out := orderedmap.New[string, *api.HistoryEntry]()
	for _, k := range keys {
		e, _ := h.entries.Get(k)
		out.Set(k, e)
	}
	return out
}

package notify

import (
	"encoding/json"
	"net/http"
)

// ServeNDJSON streams events for topic ("" for all sessions) until the client disconnects.
// The response headers are flushed only after the subscription exists, so a client that has
// seen the headers cannot miss a later event.
func (b *Broker) ServeNDJSON(w http.ResponseWriter, r *http.Request, topic string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sub := b.Subscribe(topic)
	defer sub.Close()

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	// Encode appends the newline that delimits records.
	enc := json.NewEncoder(w)
	done := r.Context().Done()
	for {
		ev, ok := sub.Next(done)
		if !ok {
			return
		}
		if err := enc.Encode(ev); err != nil {
			b.log.Debug("ndjson client gone", "topic", topic, "error", err)
			return
		}
		flush()
	}
}

package session

import (
	"encoding/json"
	"fmt"
)

// autoTransport is a minimal mcpadapter.Transport double that answers the
// initialize handshake and nothing else — sufficient to let the pool spawn
// real Adapters in these tests without a subprocess.
type autoTransport struct {
	out chan []byte
	in  chan []byte
}

func newAutoTransport() *autoTransport {
	t := &autoTransport{out: make(chan []byte, 8), in: make(chan []byte, 8)}
	go func() {
		raw, ok := <-t.in
		if !ok {
			return
		}
		var req map[string]any
		json.Unmarshal(raw, &req)
		reply, _ := json.Marshal(map[string]any{"id": req["id"], "result": map[string]any{"capabilities": map[string]any{}}})
		t.out <- reply
		<-t.in // initialized notification
	}()
	return t
}

func (t *autoTransport) WriteMessage(b []byte) error { t.in <- b; return nil }
func (t *autoTransport) ReadMessage() ([]byte, error) {
	b, ok := <-t.out
	if !ok {
		return nil, fmt.Errorf("closed")
	}
	return b, nil
}
func (t *autoTransport) Close() error { return nil }

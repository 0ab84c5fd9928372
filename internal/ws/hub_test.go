package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubDeliversToSessionSubscribers(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?stock_id=s1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("s1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), "tradesim.sold", "s2", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("publish other session: %v", err)
	}
	if err := hub.Publish(context.Background(), "tradesim.purchased", "s1", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Msg
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Topic != "tradesim.purchased" || msg.StockID != "s1" || string(msg.Data) != `{"n":1}` {
		t.Fatalf("unexpected message %+v", msg)
	}
}

// Package xunfeitest provides a scripted RTASR upstream for tests.
package xunfeitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Handler drives one upstream connection. The connection is closed when it
// returns.
type Handler func(conn *websocket.Conn, r *http.Request)

// NewServer starts an httptest server that upgrades every request and hands
// the connection to h.
func NewServer(h Handler) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		h(conn, r)
	}))
}

// URL converts an httptest server URL to its websocket form.
func URL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func Started() []byte {
	return envelope(map[string]any{
		"action": "started",
		"code":   "0",
		"data":   "",
		"desc":   "success",
		"sid":    "rta0000000a@ch00000000000000000",
	})
}

// Result builds a result frame whose payload carries words as separate
// fragments.
func Result(final bool, words ...string) []byte {
	segType := "1"
	if final {
		segType = "0"
	}

	cw := make([]map[string]any, 0, len(words))
	for _, w := range words {
		cw = append(cw, map[string]any{
			"ws": []map[string]any{{"cw": []map[string]string{{"w": w, "wp": "n"}}}},
		})
	}
	payload, _ := json.Marshal(map[string]any{
		"cn": map[string]any{
			"st": map[string]any{
				"bg":   "0",
				"ed":   "0",
				"type": segType,
				"rt":   cw,
			},
		},
		"seg_id": 0,
	})

	return envelope(map[string]any{
		"action": "result",
		"code":   "0",
		"data":   string(payload),
		"desc":   "success",
	})
}

func Error(code, desc string) []byte {
	return envelope(map[string]any{
		"action": "error",
		"code":   code,
		"data":   "",
		"desc":   desc,
	})
}

func envelope(v map[string]any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// ReadAudio reads frames until n binary chunks have arrived and returns
// them. Text frames are skipped.
func ReadAudio(conn *websocket.Conn, n int) ([][]byte, error) {
	var chunks [][]byte
	for len(chunks) < n {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return chunks, err
		}
		if mt == websocket.BinaryMessage {
			chunks = append(chunks, data)
		}
	}
	return chunks, nil
}

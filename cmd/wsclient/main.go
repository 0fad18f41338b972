// Command wsclient is a headless WebSocket client for debugging diffdeck.
// It attaches to a running server, prints every message it receives, and
// can submit a canned verdict once a review initializes.
//
// Usage:
//
//	go run ./cmd/wsclient -url ws://127.0.0.1:4519/ws
//	go run ./cmd/wsclient -session rs-1-abc -submit approved
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:4519/ws", "WebSocket endpoint of a running diffdeck server")
	sessionID := flag.String("session", "", "Session to auto-select on attach")
	submit := flag.String("submit", "", "Submit this decision after review:init (approved, approved_with_comments, changes_requested, dismissed)")
	summary := flag.String("summary", "submitted by wsclient", "Summary text for the canned verdict")
	flag.Parse()

	target := *url
	if *sessionID != "" {
		target += "?session=" + *sessionID
	}

	fmt.Printf("Connecting to %s...\n", target)

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Println("Connected! Waiting for messages...")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	messageCount := 0

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					fmt.Printf("Read error: %v\n", err)
				}
				return
			}

			messageCount++

			var msg struct {
				Type    string          `json:"type"`
				ID      string          `json:"id,omitempty"`
				Payload json.RawMessage `json:"payload"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Printf("[%d] Raw: %s\n", messageCount, string(data))
				continue
			}

			fmt.Printf("[%d] type=%s", messageCount, msg.Type)

			switch msg.Type {
			case "review:init":
				var p struct {
					SessionID string `json:"session_id"`
					Title     string `json:"title"`
					Ref       string `json:"ref"`
					Diff      struct {
						Files []json.RawMessage `json:"files"`
					} `json:"diff"`
				}
				if json.Unmarshal(msg.Payload, &p) == nil {
					fmt.Printf(" session=%s ref=%s files=%d", p.SessionID, p.Ref, len(p.Diff.Files))
					if p.Title != "" {
						fmt.Printf(" title=%q", p.Title)
					}
				}
				fmt.Println()
				if *submit != "" {
					sendVerdict(conn, *submit, *summary)
				}
				continue
			case "diff:update":
				var p struct {
					SessionID string            `json:"session_id"`
					Changed   []json.RawMessage `json:"changed"`
				}
				if json.Unmarshal(msg.Payload, &p) == nil {
					fmt.Printf(" session=%s changed=%d", p.SessionID, len(p.Changed))
				}
			case "session:list":
				var p struct {
					Sessions []json.RawMessage `json:"sessions"`
				}
				if json.Unmarshal(msg.Payload, &p) == nil {
					fmt.Printf(" sessions=%d", len(p.Sessions))
				}
			case "diff:error", "error":
				var p struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				if json.Unmarshal(msg.Payload, &p) == nil {
					fmt.Printf(" code=%s message=%q", p.Code, p.Message)
				}
			}
			fmt.Println()
		}
	}()

	select {
	case <-done:
		fmt.Println("Connection closed")
	case <-interrupt:
		fmt.Println("Interrupted")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	fmt.Printf("Total messages received: %d\n", messageCount)
}

// sendVerdict submits a canned review:submit for the bound session.
func sendVerdict(conn *websocket.Conn, decision, summary string) {
	msg := map[string]interface{}{
		"type": "review:submit",
		"id":   "wsclient-1",
		"payload": map[string]interface{}{
			"decision": decision,
			"summary":  summary,
		},
	}
	if err := conn.WriteJSON(msg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to submit verdict: %v\n", err)
		return
	}
	fmt.Printf("Submitted verdict: %s\n", decision)
}

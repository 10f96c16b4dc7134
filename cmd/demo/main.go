// Command demo is a terminal client for a running convoflowd. It creates a
// session bound to the built-in reservation flow, streams its events over
// the WebSocket endpoint and forwards each line you type as user input.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type string         `json:"type"`
	Seq  int64          `json:"seq,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	addr := flag.String("addr", "http://localhost:3000", "convoflowd base URL")
	flag.Parse()

	sessionID, err := createDemoSession(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session %s\n\n", sessionID)

	wsURL := "ws" + strings.TrimPrefix(*addr, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", wsURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			printFrame(f)
			if f.Type == "hangup" || f.Type == "transfer" {
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := conn.WriteJSON(frame{Type: "user.text", Data: map[string]any{"text": text}}); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
	}
	<-done
}

func createDemoSession(addr string) (string, error) {
	resp, err := http.Post(addr+"/sessions/demo", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.SessionID, nil
}

func printFrame(f frame) {
	switch f.Type {
	case "say", "ask":
		fmt.Printf("bot> %v\n", f.Data["text"])
	case "transfer":
		fmt.Printf("*** transferring to %v\n", f.Data["target"])
	case "hangup":
		fmt.Println("*** call ended")
	case "tool.call":
		args, _ := json.Marshal(f.Data["args"])
		fmt.Printf("    [%v %s]\n", f.Data["name"], args)
	case "error":
		fmt.Printf("!!! %v\n", f.Data["message"])
	case "session.started", "fsm.transition", "state.updated", "tool.result", "tool.error", "intent.unhandled":
		// Conversation lines are enough for a demo.
	default:
		fmt.Printf("    [%s seq=%d]\n", f.Type, f.Seq)
	}
}

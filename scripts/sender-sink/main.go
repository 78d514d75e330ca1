// Local stand-in for the campaign-send API. Prints every forward it
// receives and answers with a fixed status.
//
// Usage:
//   go run ./scripts/sender-sink
//   go run ./scripts/sender-sink -port 9999 -status 500
//
// Then in another terminal:
//   SENDER_URL="http://localhost:9999/send" ./kontent-relay

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

func main() {
	port := flag.String("port", "9999", "port to listen on")
	status := flag.Int("status", http.StatusOK, "status code to answer with")
	flag.Parse()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		auth := r.Header.Get("Authorization")
		fmt.Printf("\n[%s] %s %s\n", time.Now().Format("15:04:05"), r.Method, r.URL.Path)
		fmt.Printf("Bearer token present: %t\n", strings.HasPrefix(auth, "Bearer ") && len(auth) > len("Bearer "))
		if id := r.Header.Get("X-Request-ID"); id != "" {
			fmt.Printf("Request ID: %s\n", id)
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			fmt.Printf("Body:\n%s\n", pretty.String())
		} else {
			fmt.Printf("Body (not JSON): %s\n", string(body))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(*status)
		w.Write([]byte(`{"status":"received"}`))
	})

	fmt.Printf("Sender sink listening on port %s (answering %d)...\n", *port, *status)
	fmt.Printf("Point the relay at: http://localhost:%s/send\n", *port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	http.ListenAndServe(":"+*port, nil)
}

// Posts signed sample Kontent.ai deliveries to a running relay.
//
// Usage:
//   go run ./scripts/send-webhook -secret "$WEBHOOK_SECRET"
//   go run ./scripts/send-webhook -payload content_item_published -unsigned
//
// Payloads are the JSON files under -dir (default testdata).

package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:3000/webhook", "relay webhook endpoint")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SECRET"), "shared webhook secret")
	dir := flag.String("dir", "testdata", "directory with sample payloads")
	payload := flag.String("payload", "", "single payload name (file name without .json); all when empty")
	unsigned := flag.Bool("unsigned", false, "omit the signature header")
	flag.Parse()

	files, err := payloadFiles(*dir, *payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	failed := false
	for _, file := range files {
		if err := send(client, *url, file, *secret, *unsigned); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(file), err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func payloadFiles(dir, name string) ([]string, error) {
	if name != "" {
		return []string{filepath.Join(dir, name+".json")}, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no payloads found in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

func send(client *http.Client, url, file, secret string, unsigned bool) error {
	body, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if !unsigned {
		if secret == "" {
			return fmt.Errorf("no secret given; pass -secret or -unsigned")
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Kontent-ai-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	name := strings.TrimSuffix(filepath.Base(file), ".json")
	fmt.Printf("%-28s %d %s\n", name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	return nil
}

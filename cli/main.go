// Command cli simulates the partner side of the launch handshake.
//
// Usage:
//
//	cli mint   -user u1 -cluster c1 -secret s
//	cli launch -url http://localhost:8080 -user u1 -name Ada -cluster c1 -secret s
//	cli watch  -url ws://localhost:8081/internal/deliveries/feed
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/token"
)

func main() {
	log.SetFlags(log.Ltime)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "mint":
		err = runMint(os.Args[2:])
	case "launch":
		err = runLaunch(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cli <mint|launch|watch> [flags]")
}

func mintToken(secret, userID, clusterID string, ttl time.Duration) (string, error) {
	codec, err := token.NewCodec([]byte(secret))
	if err != nil {
		return "", err
	}
	now := time.Now()
	return codec.Sign(token.Claims{
		UserID:    userID,
		ClusterID: clusterID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
}

func runMint(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	userID := fs.String("user", "", "User ID claim")
	clusterID := fs.String("cluster", "", "Assessment cluster ID claim")
	ttl := fs.Duration("ttl", 5*time.Minute, "Token lifetime")
	secret := fs.String("secret", os.Getenv("LAUNCH_SECRET"), "Shared launch secret")
	fs.Parse(args)

	raw, err := mintToken(*secret, *userID, *clusterID, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(raw)
	return nil
}

func runLaunch(args []string) error {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8080", "Public API base URL")
	userID := fs.String("user", "", "User ID")
	userName := fs.String("name", "", "User display name")
	clusterID := fs.String("cluster", "", "Assessment cluster ID")
	returnURL := fs.String("return", "https://partner.example.com/return", "Partner return URL")
	resultsURL := fs.String("results", "https://partner.example.com/results", "Partner results URL")
	ttl := fs.Duration("ttl", 5*time.Minute, "Token lifetime")
	secret := fs.String("secret", os.Getenv("LAUNCH_SECRET"), "Shared launch secret")
	fs.Parse(args)

	raw, err := mintToken(*secret, *userID, *clusterID, *ttl)
	if err != nil {
		return err
	}

	body, err := json.Marshal(domain.LaunchRequest{
		UserID:     *userID,
		UserName:   *userName,
		ClusterID:  *clusterID,
		AuthToken:  raw,
		ReturnURL:  *returnURL,
		ResultsURL: *resultsURL,
	})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(*baseURL, "/") + "/integration/assessment-launch"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("HTTP %d\n", resp.StatusCode)
	printJSON(data)
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("url", "ws://localhost:8081/internal/deliveries/feed", "Delivery feed address")
	sessionID := fs.String("session", "", "Only show events for this session")
	fs.Parse(args)

	target := *addr
	if *sessionID != "" {
		u, err := url.Parse(target)
		if err != nil {
			return err
		}
		q := u.Query()
		q.Set("session_id", *sessionID)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	fmt.Printf("Connecting to %s...\n", target)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Println("Connected. Waiting for delivery events (Ctrl+C to exit)")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}
			var event domain.DeliveryEvent
			if err := json.Unmarshal(data, &event); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}
			fmt.Printf("\n[%s] session=%s\n", event.Type, event.SessionID)
			printJSON(data)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
	case <-interrupt:
		fmt.Println("\nInterrupted")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return nil
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

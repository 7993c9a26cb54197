// Command benchmark drives the toll payment flow over HTTP and writes
// per-step latencies to a CSV file.
package main

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/thakursanju/smartToll/benchmark/client"
)

type sessionResponse struct {
	ID string `json:"id"`
}

type scanResponse struct {
	TagID string `json:"tag_id"`
}

type paymentResponse struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
}

type RequestResult struct {
	Worker      int
	Name        string
	Method      string
	Endpoint    string
	Latency     time.Duration
	BlockHeight int64
	Err         error
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:5000", "Toll node base URL")
	iterations := flag.Int("n", 1, "Number of payment flows per worker")
	workers := flag.Int("c", 1, "Number of concurrent workers, one session each")
	booth := flag.String("booth", "TB001", "Toll booth id to pay at")
	flag.Parse()

	filename := fmt.Sprintf("benchmark_n_%d_c_%d.csv", *iterations, *workers)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Worker", "Step", "Method", "Endpoint", "Latency_ms", "BlockHeight", "Error"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	requestClient := client.NewHTTPClient(*baseURL)
	opts := &client.RequestOptions{
		Headers: map[string]string{
			"Accept":     "application/json",
			"User-Agent": "smarttoll-benchmark",
		},
		Timeout: 60 * time.Second,
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 1; w <= *workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ctx := context.Background()

			sessionID, err := startSession(ctx, requestClient, opts)
			if err != nil {
				fmt.Printf("[worker %d] %v\n", worker, err)
				return
			}
			defer requestClient.DELETE(ctx, "/sessions/"+sessionID, opts)

			for i := 1; i <= *iterations; i++ {
				results := runFlow(ctx, requestClient, opts, sessionID, *booth)

				mu.Lock()
				for _, result := range results {
					errText := ""
					if result.Err != nil {
						errText = result.Err.Error()
					}
					record := []string{
						strconv.Itoa(i),
						strconv.Itoa(worker),
						result.Name,
						result.Method,
						result.Endpoint,
						strconv.FormatInt(result.Latency.Milliseconds(), 10),
						strconv.FormatInt(result.BlockHeight, 10),
						errText,
					}
					if err := writer.Write(record); err != nil {
						fmt.Printf("Error writing record to CSV: %v\n", err)
					}
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}

func startSession(ctx context.Context, c *client.HTTPClient, opts *client.RequestOptions) (string, error) {
	wallet, err := randomWallet()
	if err != nil {
		return "", err
	}
	resp, err := c.POST(ctx, "/sessions", map[string]string{"wallet_address": wallet}, opts)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	var session sessionResponse
	if err := client.UnmarshalBody(resp, &session); err != nil {
		return "", err
	}
	return session.ID, nil
}

// runFlow runs scan, pay, proof lookup and reset against one session.
func runFlow(ctx context.Context, c *client.HTTPClient, opts *client.RequestOptions, sessionID, booth string) []RequestResult {
	var results []RequestResult
	totalStart := time.Now()
	base := "/sessions/" + sessionID

	// 1. Scan tag
	start := time.Now()
	resp, err := c.POST(ctx, base+"/scan", nil, opts)
	results = append(results, RequestResult{Name: "Scan Tag", Method: "POST", Endpoint: "/sessions/:id/scan", Latency: time.Since(start), Err: err})
	if err != nil {
		return results
	}
	var scan scanResponse
	if err := client.UnmarshalBody(resp, &scan); err != nil {
		results[len(results)-1].Err = err
		return results
	}

	// 2. Pay toll
	start = time.Now()
	resp, err = c.POST(ctx, base+"/payments", map[string]string{"tag_id": scan.TagID, "toll_booth_id": booth}, opts)
	payResult := RequestResult{Name: "Pay Toll", Method: "POST", Endpoint: "/sessions/:id/payments", Latency: time.Since(start), Err: err}
	var payment paymentResponse
	if err == nil {
		payResult.Err = client.UnmarshalBody(resp, &payment)
		payResult.BlockHeight = payment.BlockNumber
	}
	results = append(results, payResult)

	// 3. Fetch proof
	if payResult.Err == nil {
		start = time.Now()
		_, err = c.GET(ctx, "/payments/"+payment.TxHash, opts)
		results = append(results, RequestResult{Name: "Payment Proof", Method: "GET", Endpoint: "/payments/:txHash", Latency: time.Since(start), BlockHeight: payment.BlockNumber, Err: err})
	}

	// 4. Reset for the next vehicle
	start = time.Now()
	_, err = c.POST(ctx, base+"/reset", nil, opts)
	results = append(results, RequestResult{Name: "Reset", Method: "POST", Endpoint: "/sessions/:id/reset", Latency: time.Since(start), Err: err})

	results = append(results, RequestResult{
		Name:        "Complete Workflow",
		Method:      "WORKFLOW",
		Endpoint:    "complete-workflow",
		Latency:     time.Since(totalStart),
		BlockHeight: payment.BlockNumber,
	})
	return results
}

func randomWallet() (string, error) {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type itemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type orderRequest struct {
	CustomerID string        `json:"customerId"`
	Items      []itemRequest `json:"items"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "order service base URL")
	totalRequests := flag.Int("n", 50, "number of concurrent create-order requests")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()

	var (
		wg      sync.WaitGroup
		created atomic.Int64
		failed  atomic.Int64
	)

	fmt.Printf("Starting stress test with %d requests...\n", *totalRequests)

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			body, _ := json.Marshal(orderRequest{
				CustomerID: uuid.New().String(),
				Items: []itemRequest{
					{ProductID: "p1", Quantity: 2, Price: "10.00"},
					{ProductID: "p2", Quantity: 1, Price: "5.00"},
				},
			})

			resp, err := client.Post(*baseURL+"/api/orders", "application/json", bytes.NewReader(body))
			if err != nil {
				failed.Add(1)
				fmt.Printf("Request %d failed: %v\n", id, err)
				return
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				failed.Add(1)
				fmt.Printf("Request %d returned %s\n", id, resp.Status)
				return
			}
			created.Add(1)
		}(i)
	}

	wg.Wait()
	duration := time.Since(start)

	fmt.Printf("Finished %d requests in %v: %d created, %d failed\n",
		*totalRequests, duration, created.Load(), failed.Load())
}

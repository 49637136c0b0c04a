package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenLake-Chain/sdk/go/openlake"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openlake.Token{AccessToken: "demo-token", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(openlake.Task{ID: "task-demo", Status: "pending"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openlake.Task{
			ID:     "task-demo",
			Status: "succeeded",
			Result: &openlake.TaskResult{Reply: "昨天的订单量是 1,024 单。"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openlake.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, openlake.Credentials{Username: "analyst", Password: "s3cret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	created, err := client.SubmitTask(ctx, openlake.TaskSubmission{Question: "昨天的订单量是多少"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", created.ID, created.Status)

	final, err := client.WaitForTask(ctx, created.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished: %s\n", final.ID, final.Result.Reply)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"Agora-Governance/sdk/go/agora"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agora.Token{AccessToken: "demo-token", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("POST /api/v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(agora.DispatchResult{
			TaskID:  "task-demo",
			AgentID: "tester",
			Status:  "queued",
			Route:   "keyword",
			Governance: agora.Governance{
				Verdict: agora.Verdict{Allowed: true, Confidence: 1},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agora.Task{
			ID:          "task-demo",
			AgentID:     "tester",
			Status:      "completed",
			Result:      "12 tests added",
			CreatedAt:   time.Now().Add(-2 * time.Minute).UTC(),
			CompletedAt: time.Now().UTC(),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agora.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, "demo", "secret")
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	result, err := client.Dispatch(ctx, agora.DispatchRequest{Description: "write unit tests for the parser"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("dispatched task %s to %s via %s\n", result.TaskID, result.AgentID, result.Route)

	t, err := client.GetTask(ctx, result.TaskID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s status=%s result=%q\n", t.ID, t.Status, t.Result)
}

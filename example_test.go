package krequest_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/Val-istar-Guo/krequest"
)

func ExampleClient_Use() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello %s", r.Header.Get("X-User"))
	}))
	defer server.Close()

	client := krequest.New()
	client.Use(func(c *krequest.Context, next krequest.Next) error {
		c.Header.Set("X-User", "gopher")
		return next()
	})

	out, err := client.Get(server.URL).Exec(context.Background())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(out)
	// Output: hello gopher
}

func ExampleFetch() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"name":"gopher"}`, r.URL.Path[len("/users/"):])
	}))
	defer server.Close()

	type user struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	u, err := krequest.Fetch[user](context.Background(),
		krequest.New().Get(server.URL+"/users/:id").Params("id", 7))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(u.ID, u.Name)
	// Output: 7 gopher
}

func ExampleRequest_Retry() {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "done")
	}))
	defer server.Close()

	out, err := krequest.New().Get(server.URL).
		Retry(3, nil, krequest.TransientRetryOn).
		Exec(context.Background())
	fmt.Println(out, err, attempts)
	// Output: done <nil> 3
}

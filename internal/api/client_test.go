package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFetchICEServers_Wrapped(t *testing.T) {
	url := serve(t, http.StatusOK, `{"iceServers":[
		{"urls":"stun:stun.l.google.com:19302"},
		{"urls":["turn:turn.example.com:3478","turns:turn.example.com:5349"],"username":"u","credential":"p"},
		{"urls":[]}
	]}`)

	servers, err := NewClient().FetchICEServers(context.Background(), url)
	if err != nil {
		t.Fatalf("FetchICEServers failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %+v", servers)
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("first server: %+v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("second server: %+v", servers[1])
	}
}

func TestFetchICEServers_BareArray(t *testing.T) {
	url := serve(t, http.StatusOK, `[{"urls":"stun:a"}]`)

	servers, err := NewClient().FetchICEServers(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:a" {
		t.Errorf("unexpected servers %+v", servers)
	}
}

func TestFetchICEServers_HTTPError(t *testing.T) {
	url := serve(t, http.StatusForbidden, "forbidden\n")

	_, err := NewClient().FetchICEServers(context.Background(), url)
	if err == nil || !strings.Contains(err.Error(), "http 403: forbidden") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestFetchICEServers_BadJSON(t *testing.T) {
	url := serve(t, http.StatusOK, `{"iceServers":[{"urls":42}]}`)

	if _, err := NewClient().FetchICEServers(context.Background(), url); err == nil {
		t.Error("expected decode error")
	}
}

func TestFetchICEServers_CanceledContext(t *testing.T) {
	url := serve(t, http.StatusOK, `[]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewClient().FetchICEServers(ctx, url); err == nil {
		t.Error("expected error for canceled context")
	}
}

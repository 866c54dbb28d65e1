package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// echoServer upgrades requests carrying the expected bearer token and
// echoes every text frame back. A greeting is written first when set.
func echoServer(t *testing.T, token, greeting string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		if greeting != "" {
			if err := wsutil.WriteServerText(conn, []byte(greeting)); err != nil {
				return
			}
		}
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSDialer_Echo(t *testing.T) {
	srv := echoServer(t, "tok", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := WSDialer{}.Dial(ctx, wsURL(srv), "tok")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn.RemoteAddr() == "" {
		t.Error("RemoteAddr() is empty")
	}
	if err := conn.Write(ctx, []byte(`{"content":"hi"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(data) != `{"content":"hi"}` {
		t.Errorf("Read() = %q", data)
	}
}

func TestWSDialer_Greeting(t *testing.T) {
	srv := echoServer(t, "tok", `{"type":"ping","requestId":"g"}`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := WSDialer{}.Dial(ctx, wsURL(srv), "tok")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !strings.Contains(string(data), `"requestId":"g"`) {
		t.Errorf("Read() = %q", data)
	}
}

func TestWSDialer_Unauthorized(t *testing.T) {
	srv := echoServer(t, "tok", "")

	_, err := WSDialer{}.Dial(context.Background(), wsURL(srv), "wrong")
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Errorf("Dial() error = %v, want ErrAuthenticationRequired", err)
	}
}

func TestWSDialer_Refused(t *testing.T) {
	srv := echoServer(t, "tok", "")
	url := wsURL(srv)
	srv.Close()

	_, err := WSDialer{}.Dial(context.Background(), url, "tok")
	if !errors.Is(err, ErrTransportFailure) {
		t.Errorf("Dial() error = %v, want ErrTransportFailure", err)
	}
}

func TestWebSocketConn_ReadHonoursContext(t *testing.T) {
	srv := echoServer(t, "tok", "")
	conn, err := WSDialer{}.Dial(context.Background(), wsURL(srv), "tok")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want deadline exceeded", err)
	}
}

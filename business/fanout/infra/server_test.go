package infra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fd1az/market-collector/business/fanout/app"
	"github.com/fd1az/market-collector/business/fanout/domain"
	"github.com/fd1az/market-collector/internal/logger"
)

func testLogger() logger.LoggerInterface {
	return logger.New(io.Discard, logger.LevelError, "test", nil)
}

// startTestServer runs the ws handler on an httptest server.
func startTestServer(t *testing.T, pool *app.Pool) *httptest.Server {
	t.Helper()
	server := NewServer(DefaultServerConfig(""), pool, nil, nil, testLogger())
	return httptest.NewServer(http.HandlerFunc(server.handleWS))
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

// readEnvelope reads one server frame.
func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var envelope domain.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("frame not JSON: %v (%s)", err, data)
	}
	return envelope
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestServer_WelcomeOnConnect(t *testing.T) {
	pool, err := app.NewPool(app.DefaultPoolConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readEnvelope(t, conn)
	if welcome.Type != domain.TypeWelcome {
		t.Fatalf("first frame type = %s", welcome.Type)
	}
	if welcome.Timestamp <= 0 {
		t.Error("welcome missing timestamp")
	}

	payload := welcome.Payload.(map[string]any)
	if id, _ := payload["connectionId"].(string); id == "" {
		t.Error("welcome missing connectionId")
	}
	if payload["serverTime"] == nil {
		t.Error("welcome missing serverTime")
	}
}

func TestServer_PingPong(t *testing.T) {
	pool, _ := app.NewPool(app.DefaultPoolConfig(), testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, conn) // welcome

	send(t, conn, map[string]any{"type": "ping"})
	pong := readEnvelope(t, conn)
	if pong.Type != domain.TypePong {
		t.Errorf("expected pong, got %s", pong.Type)
	}
}

func TestServer_SubscribeAndBroadcast(t *testing.T) {
	pool, _ := app.NewPool(app.DefaultPoolConfig(), testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	subscriber := dial(t, srv.URL)
	defer subscriber.Close(websocket.StatusNormalClosure, "")
	bystander := dial(t, srv.URL)
	defer bystander.Close(websocket.StatusNormalClosure, "")

	readEnvelope(t, subscriber) // welcome
	readEnvelope(t, bystander)  // welcome

	send(t, subscriber, map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"channel": "marketData"},
	})
	subscribed := readEnvelope(t, subscriber)
	if subscribed.Type != domain.TypeSubscribed {
		t.Fatalf("expected subscribed ack, got %s", subscribed.Type)
	}

	// Broadcast through the pool, as the WebSocket sink does.
	envelope := []byte(`{"type":"trade","payload":{"exchange":"binance"},"timestamp":1}`)
	delivered, err := pool.BroadcastToChannel(context.Background(), "marketData", envelope)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, expected only the subscriber", delivered)
	}

	frame := readEnvelope(t, subscriber)
	if frame.Type != "trade" {
		t.Errorf("broadcast frame type = %s", frame.Type)
	}
}

func TestServer_UnsubscribeStopsDelivery(t *testing.T) {
	pool, _ := app.NewPool(app.DefaultPoolConfig(), testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn) // welcome

	send(t, conn, map[string]any{
		"type":    "subscribe",
		"payload": map[string]any{"channels": []string{"a", "b"}},
	})
	readEnvelope(t, conn) // subscribed

	send(t, conn, map[string]any{
		"type":    "unsubscribe",
		"payload": map[string]any{"channel": "a"},
	})
	readEnvelope(t, conn) // unsubscribed

	delivered, _ := pool.BroadcastToChannel(context.Background(), "a", []byte(`{"type":"x"}`))
	if delivered != 0 {
		t.Errorf("unsubscribed channel delivered %d", delivered)
	}
	delivered, _ = pool.BroadcastToChannel(context.Background(), "b", []byte(`{"type":"x"}`))
	if delivered != 1 {
		t.Errorf("remaining channel delivered %d", delivered)
	}
}

func TestServer_GetStats(t *testing.T) {
	pool, _ := app.NewPool(app.DefaultPoolConfig(), testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn) // welcome

	send(t, conn, map[string]any{"type": "getStats"})
	stats := readEnvelope(t, conn)
	if stats.Type != domain.TypeStats {
		t.Fatalf("expected stats, got %s", stats.Type)
	}
	payload := stats.Payload.(map[string]any)
	if id, _ := payload["connectionId"].(string); id == "" {
		t.Error("stats missing connectionId")
	}
	if payload["state"] != string(domain.StateOpen) {
		t.Errorf("state = %v", payload["state"])
	}
}

func TestServer_UnknownTypeAnswersError(t *testing.T) {
	pool, _ := app.NewPool(app.DefaultPoolConfig(), testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, conn) // welcome

	send(t, conn, map[string]any{"type": "teleport"})
	errEnv := readEnvelope(t, conn)
	if errEnv.Type != domain.TypeError {
		t.Fatalf("expected error envelope, got %s", errEnv.Type)
	}
	payload := errEnv.Payload.(map[string]any)
	if code, _ := payload["code"].(string); code == "" {
		t.Errorf("error payload incomplete: %v", payload)
	}

	// getSystemStats without a wired provider also answers with error.
	send(t, conn, map[string]any{"type": "getSystemStats"})
	errEnv = readEnvelope(t, conn)
	if errEnv.Type != domain.TypeError {
		t.Errorf("expected error for missing stats provider, got %s", errEnv.Type)
	}
}

func TestServer_PoolFullRefusesConnection(t *testing.T) {
	cfg := app.DefaultPoolConfig()
	cfg.MaxConnections = 1
	pool, _ := app.NewPool(cfg, testLogger())
	defer pool.Stop()

	srv := startTestServer(t, pool)
	defer srv.Close()

	first := dial(t, srv.URL)
	defer first.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, first) // welcome

	second := dial(t, srv.URL)
	defer second.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if err == nil {
		t.Error("expected refused connection to be closed by server")
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/fanout"
	"caseflow/internal/jobstore"
	"caseflow/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const (
	adminToken = "tok-admin"
	clerkToken = "tok-clerk"
)

type testGateway struct {
	srv  *Server
	http *httptest.Server
	bus  *fanout.Bus
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig) *testGateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queueCfg := config.QueueConfig{
		VisibilityTimeoutSec: 120,
		MaxAttempts:          3,
		RetentionSec:         3600,
		InitialDelaySec:      1,
		MaxDelaySec:          60,
		BackoffFactor:        2,
	}
	store := jobstore.New(client, queueCfg, zerolog.Nop())
	bus := fanout.NewBus(client, zerolog.Nop())

	if cfg.Tokens == nil {
		cfg.Tokens = []config.GatewayToken{
			{Token: adminToken, UserID: "u-100", Role: "admin", Name: "Admin"},
			{Token: clerkToken, UserID: "u-200", Role: "clerk", Name: "Clerk"},
		}
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
		cfg.RateLimitBurst = 100
	}

	srv := NewServer(cfg, store, bus, NewStaticTokenValidator(cfg.Tokens),
		time.Minute, false, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Manual relay: the subscription is confirmed before any test
	// publishes, which Server.Relay in a goroutine cannot guarantee.
	envelopes, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	go func() {
		for env := range envelopes {
			srv.hub.deliver(env.Room, env.Event)
		}
	}()

	return &testGateway{srv: srv, http: ts, bus: bus}
}

func (g *testGateway) apiRequest(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Api-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIAuth(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	body := map[string]interface{}{"kind": "smoke_test", "payload": map[string]string{}}

	t.Run("MissingToken", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", "", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("WrongToken", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", "tok-wrong", body)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("HeaderToken", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, body)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("BearerToken", func(t *testing.T) {
		raw, _ := json.Marshal(body)
		req, err := http.NewRequest(http.MethodPost, g.http.URL+"/api/v1/jobs", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+clerkToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})
}

func TestEnqueueAPI(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})

	t.Run("AcceptedWithJobID", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, map[string]interface{}{
			"kind":    "ocr",
			"payload": models.OCRPayload{DocumentID: "doc-1", CaseID: "case-1"},
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		jobID := decodeBody(t, resp)["job_id"]
		require.NotEmpty(t, jobID)

		status := g.apiRequest(t, http.MethodGet, "/api/v1/jobs/"+jobID, adminToken, nil)
		require.Equal(t, http.StatusOK, status.StatusCode)
		var job models.Job
		require.NoError(t, json.NewDecoder(status.Body).Decode(&job))
		assert.Equal(t, models.KindOCR, job.Kind)
		assert.Equal(t, models.StatusWaiting, job.Status)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken,
			map[string]interface{}{"kind": "mystery"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, map[string]interface{}{
			"kind":    "ocr",
			"payload": map[string]interface{}{"document_id": 7},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownJobIs404", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodGet, "/api/v1/jobs/no-such-id", adminToken, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("MailboxSyncCoalesced", func(t *testing.T) {
		body := map[string]interface{}{
			"kind":    "mailbox_sync",
			"payload": models.MailboxSyncPayload{AccountID: "intake"},
		}
		first := decodeBody(t, g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, body))
		second := decodeBody(t, g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, body))
		assert.Equal(t, first["job_id"], second["job_id"])
	})

	t.Run("MailboxSyncRequiresAccount", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs", adminToken, map[string]interface{}{
			"kind":    "mailbox_sync",
			"payload": models.MailboxSyncPayload{},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRetryAPI(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	ctx := context.Background()

	id, err := g.srv.store.Enqueue(ctx, models.KindOCR,
		models.OCRPayload{DocumentID: "doc-1"}, jobstore.EnqueueOptions{})
	require.NoError(t, err)

	t.Run("WaitingJobConflicts", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs/"+id+"/retry", adminToken, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	job, err := g.srv.store.Lease(ctx, []models.JobKind{models.KindOCR}, time.Second)
	require.NoError(t, err)
	require.NoError(t, g.srv.store.Fail(ctx, job, errors.New("bad scan"), true))

	t.Run("FailedJobRequeued", func(t *testing.T) {
		resp := g.apiRequest(t, http.MethodPost, "/api/v1/jobs/"+id+"/retry", adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		got, err := g.srv.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaiting, got.Status)
	})
}

func TestRateLimit(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{RateLimitRPS: 0.1, RateLimitBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := g.apiRequest(t, http.MethodGet, "/api/v1/jobs/no-such-id", adminToken, nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)

	// Another principal has its own budget.
	resp := g.apiRequest(t, http.MethodGet, "/api/v1/jobs/no-such-id", clerkToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, g *testGateway, token string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(g.http.URL, "http://", "ws://", 1) + "/ws?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, frame clientFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, raw))
}

func (c *wsClient) read(t *testing.T) models.NotificationEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.NoError(t, err)
	var event models.NotificationEvent
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func (g *testGateway) waitRoomSize(t *testing.T, room string, size int) {
	t.Helper()
	require.Eventually(t, func() bool {
		g.srv.hub.mu.RLock()
		defer g.srv.hub.mu.RUnlock()
		return len(g.srv.hub.rooms[room]) == size
	}, 5*time.Second, 10*time.Millisecond, "room %s never reached %d members", room, size)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := strings.Replace(g.http.URL, "http://", "ws://", 1) + "/ws?token=tok-wrong"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWebSocketDelivery(t *testing.T) {
	g := newTestGateway(t, config.GatewayConfig{})
	ctx := context.Background()

	admin := dialWS(t, g, adminToken)
	clerk := dialWS(t, g, clerkToken)
	g.waitRoomSize(t, models.UserRoom("u-100"), 1)
	g.waitRoomSize(t, models.UserRoom("u-200"), 1)

	t.Run("PersonalRoom", func(t *testing.T) {
		require.NoError(t, g.bus.Publish(ctx, models.UserRoom("u-100"),
			models.NotificationEvent{Type: models.EventEmailReceived, Title: "New mail"}))

		event := admin.read(t)
		assert.Equal(t, models.EventEmailReceived, event.Type)
	})

	t.Run("RoleRoom", func(t *testing.T) {
		require.NoError(t, g.bus.Publish(ctx, models.RoleRoom("admin"),
			models.NotificationEvent{Type: models.EventSystemAlert, Title: "Alert"}))

		event := admin.read(t)
		assert.Equal(t, models.EventSystemAlert, event.Type)
	})

	t.Run("CaseRoomOnlyForJoined", func(t *testing.T) {
		admin.send(t, clientFrame{Action: "join", Room: "case:42"})
		g.waitRoomSize(t, "case:42", 1)

		require.NoError(t, g.bus.Publish(ctx, models.CaseRoom("42"),
			models.NotificationEvent{Type: models.EventDocumentProcessed, Title: "Processed"}))
		require.NoError(t, g.bus.Publish(ctx, models.UserRoom("u-200"),
			models.NotificationEvent{Type: models.EventEmailReceived, Title: "For clerk"}))

		assert.Equal(t, models.EventDocumentProcessed, admin.read(t).Type)
		// The clerk never joined case:42; the first event it sees is its
		// own, proving the case event was not delivered to it.
		assert.Equal(t, "For clerk", clerk.read(t).Title)
	})

	t.Run("LeaveStopsDelivery", func(t *testing.T) {
		admin.send(t, clientFrame{Action: "leave", Room: "case:42"})
		g.waitRoomSize(t, "case:42", 0)

		require.NoError(t, g.bus.Publish(ctx, models.CaseRoom("42"),
			models.NotificationEvent{Type: models.EventDocumentProcessed, Title: "After leave"}))
		require.NoError(t, g.bus.Publish(ctx, models.UserRoom("u-100"),
			models.NotificationEvent{Type: models.EventSystemSmoke, Title: "Marker"}))

		assert.Equal(t, models.EventSystemSmoke, admin.read(t).Type)
	})

	t.Run("ServerRoomsNotJoinable", func(t *testing.T) {
		clerk.send(t, clientFrame{Action: "join", Room: models.UserRoom("u-100")})
		clerk.send(t, clientFrame{Action: "join", Room: models.RoleRoom("admin")})

		// Flush with a marker to ensure both frames were handled.
		require.NoError(t, g.bus.Publish(ctx, models.UserRoom("u-200"),
			models.NotificationEvent{Type: models.EventSystemSmoke, Title: "Flush"}))
		assert.Equal(t, "Flush", clerk.read(t).Title)

		g.waitRoomSize(t, models.UserRoom("u-100"), 1)
		g.waitRoomSize(t, models.RoleRoom("admin"), 1)
	})
}

func TestHubSlowClientDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	sess := &session{
		principal: &Principal{UserID: "u-1"},
		send:      make(chan []byte, 1),
		rooms:     make(map[string]struct{}),
	}
	hub.join(sess, "case:1")

	for i := 0; i < 5; i++ {
		hub.deliver("case:1", models.NotificationEvent{
			Type:  models.EventDocumentProcessed,
			Title: fmt.Sprintf("event-%d", i),
		})
	}

	// Buffer of one: the first event is kept, the rest were dropped
	// rather than blocking the hub.
	var event models.NotificationEvent
	require.NoError(t, json.Unmarshal(<-sess.send, &event))
	assert.Equal(t, "event-0", event.Title)
	assert.Empty(t, sess.send)
}

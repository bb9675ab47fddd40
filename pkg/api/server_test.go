package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowrelay/flowrelay/pkg/config"
	"github.com/flowrelay/flowrelay/pkg/debounce"
	"github.com/flowrelay/flowrelay/pkg/llm"
	"github.com/flowrelay/flowrelay/pkg/models"
	"github.com/flowrelay/flowrelay/pkg/responder"
	"github.com/flowrelay/flowrelay/pkg/session"
	"github.com/flowrelay/flowrelay/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newWebhookServer builds a server with in-memory state and a scripted LLM.
func newWebhookServer(t *testing.T, stub *llm.StubClient) *Server {
	t.Helper()

	cfg := &config.Config{
		CheckMs: 5,
		Tenants: map[string]config.TenantConfig{"acme": {
			FlowID:                   "signup",
			WaitTimeBeforeReplyingMs: config.MinWaitMs,
		}},
	}
	cfg.Defaults.WaitTimeBeforeReplyingMs = config.MinWaitMs
	cfg.Defaults.Normalize()
	for id, tc := range cfg.Tenants {
		tc.Normalize()
		cfg.Tenants[id] = tc
	}

	st := store.NewMemoryStore("")
	registry := NewRegistry(&fakeFlowSource{def: registryFlow(), version: 1}, stub, nil, cfg, nil)
	deb := debounce.New(st, 5*time.Millisecond, nil)
	sessions := session.NewManager(st, deb, registry, nil, cfg, nil)

	return NewServer(sessions, nil, nil, nil, nil)
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleWebhook(t *testing.T) {
	stub := llm.NewStubClient()
	stub.AddToolCall(responder.ToolName, `{
		"actions": ["update"],
		"messages": [{"text": "Prazer, Ana!"}],
		"updates": {"name": "Ana"},
		"confidence": 0.9
	}`)
	srv := newWebhookServer(t, stub)
	router := srv.Router()

	w := doRequest(router, http.MethodPost, "/webhook/acme",
		`{"user_id": "u1", "text": "meu nome é Ana", "message_id": "m1"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "Prazer, Ana!", resp.Messages[0].Text)
	assert.False(t, resp.Terminal)
	assert.False(t, resp.Escalate)
}

func TestHandleWebhookValidation(t *testing.T) {
	srv := newWebhookServer(t, llm.NewStubClient())
	router := srv.Router()

	t.Run("missing text", func(t *testing.T) {
		w := doRequest(router, http.MethodPost, "/webhook/acme", `{"user_id": "u1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		w := doRequest(router, http.MethodPost, "/webhook/acme", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("tenant without flow", func(t *testing.T) {
		w := doRequest(router, http.MethodPost, "/webhook/nobody",
			`{"user_id": "u1", "text": "oi"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

// fakeExecutor returns a canned modification outcome.
type fakeExecutor struct {
	result models.ActionResult
}

func (f *fakeExecutor) Execute(context.Context, string, string, bool) models.ActionResult {
	return f.result
}

func TestModifyFlowEndpoint(t *testing.T) {
	t.Run("applied", func(t *testing.T) {
		srv := NewServer(nil, nil, &fakeExecutor{result: models.ActionResult{
			Success: true, UserMessage: "Modificação aplicada com sucesso (versão 2).",
		}}, nil, nil)
		w := doRequest(srv.Router(), http.MethodPost, "/api/flows/signup/modify",
			`{"instruction": "adicionar pergunta de cidade"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejected batch", func(t *testing.T) {
		srv := NewServer(nil, nil, &fakeExecutor{result: models.ActionResult{
			Success: false, Error: "apply edits: node does not exist",
		}}, nil, nil)
		w := doRequest(srv.Router(), http.MethodPost, "/api/flows/signup/modify",
			`{"instruction": "remova o nó x"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("missing instruction", func(t *testing.T) {
		srv := NewServer(nil, nil, &fakeExecutor{}, nil, nil)
		w := doRequest(srv.Router(), http.MethodPost, "/api/flows/signup/modify", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("executor not configured", func(t *testing.T) {
		srv := NewServer(nil, nil, nil, nil, nil)
		w := doRequest(srv.Router(), http.MethodPost, "/api/flows/signup/modify",
			`{"instruction": "qualquer"}`)
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestHealthUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	srv := NewServer(nil, nil, nil, rdb, nil)

	w := doRequest(srv.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string                 `json:"status"`
		Checks map[string]HealthCheck `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, healthStatusUnhealthy, body.Status)
	assert.Equal(t, healthStatusUnhealthy, body.Checks["redis"].Status)
}

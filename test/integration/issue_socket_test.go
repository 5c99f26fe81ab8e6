package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jake-jlawson/dashtech/internal/communications"
	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/handler"
	"github.com/jake-jlawson/dashtech/internal/issue"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"
	"github.com/jake-jlawson/dashtech/pkg/llm"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 5 * time.Second

// startServer serves the issue routes on a loopback port backed by a scripted model.
func startServer(t *testing.T, fake *llm.FakeProvider) (string, *issue.Manager) {
	t.Helper()
	log := logger.NewNopLogger()
	manager := issue.NewManager(issue.Deps{
		Scorer: diagnostics.NewLLMAgent(fake, log),
		NewTranslator: func(issueID string, emit communications.Emitter) issue.Translator {
			return communications.NewAgent(fake, log, issueID, emit)
		},
		Logger: log,
	}, issue.Params{IdleWait: 10 * time.Millisecond, RetryBackoff: 10 * time.Millisecond})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.NewIssueHandler(manager, nil, nil, nil, log).RegisterRoutes(app.Group("/api"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		_ = manager.Shutdown(ctx)
		_ = app.Shutdown()
	})
	return fmt.Sprintf("ws://%s/api/issue/create", ln.Addr().String()), manager
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil returns the first frame of type typ, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == typ {
			return frame
		}
	}
}

func TestSecondCreatorIsRejected(t *testing.T) {
	url, manager := startServer(t, llm.NewFakeProvider())

	first := dial(t, url)
	created := readUntil(t, first, envelope.TypeIssueCreated)
	issueID, _ := created["issue_id"].(string)
	require.NotEmpty(t, issueID)

	second := dial(t, url)
	rejected := readUntil(t, second, envelope.TypeIssueCreateReject)
	assert.Equal(t, issue.RejectReasonActiveIssue, rejected["reason"])
	assert.Equal(t, issueID, rejected["issue_id"])

	require.NoError(t, second.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, issue.ClosePolicyViolation), "got %v", err)

	require.NotNil(t, manager.Current())
	assert.Equal(t, issueID, manager.Current().ID)
}

func TestBeginAndAnswerOverSocket(t *testing.T) {
	fake := llm.NewFakeProvider(
		llm.FakeReply{Content: []string{`{"updated_probabilities": [{"issue": "fuel filter", "probability": 6}], "next_test": {"name": "bowl", "description": "check the water separator"}}`}},
		llm.FakeReply{Content: []string{`{"test_text": "Is there water in the separator bowl?", "test_result_field_type": "boolean"}`}},
	)
	url, manager := startServer(t, fake)

	conn := dial(t, url)
	readUntil(t, conn, envelope.TypeIssueCreated)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": envelope.TypeIssueBegin,
		"payload": map[string]any{
			"id":          "seed",
			"name":        "user_description",
			"description": "What is wrong with the truck?",
		},
	}))
	phase := readUntil(t, conn, envelope.TypeIssuePhaseChanged)
	assert.Equal(t, string(issue.PhaseDiagnostics), phase["payload"].(map[string]any)["phase"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    envelope.TypeDiagnosticTestResult,
		"payload": map[string]any{"test_id": "seed", "result": "stalls under load"},
	}))
	test := readUntil(t, conn, envelope.TypeDiagnosticTest)
	payload := test["payload"].(map[string]any)
	assert.Equal(t, "Is there water in the separator bowl?", payload["test_text"])
	assert.NotEmpty(t, payload["test_id"])

	snap := manager.Current().Snapshot()
	require.Len(t, snap.TestLog, 2)
	assert.Equal(t, "stalls under load", snap.TestLog[0].Result)
	assert.Nil(t, snap.TestLog[1].Result)
}

func TestIssueOutlivesDisconnect(t *testing.T) {
	url, manager := startServer(t, llm.NewFakeProvider())

	conn := dial(t, url)
	readUntil(t, conn, envelope.TypeIssueCreated)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		iss := manager.Current()
		return iss != nil && !iss.Snapshot().Connected
	}, frameTimeout, 10*time.Millisecond)
	assert.Equal(t, issue.LifecycleActive, manager.Current().Lifecycle())
}

func attachURL(createURL string) string {
	return strings.TrimSuffix(createURL, "/create") + "/attach"
}

func TestAttachWithoutIssueIsRejected(t *testing.T) {
	url, manager := startServer(t, llm.NewFakeProvider())

	conn := dial(t, attachURL(url))
	rejected := readUntil(t, conn, envelope.TypeIssueAttachReject)
	assert.Equal(t, issue.RejectReasonNoIssue, rejected["reason"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameTimeout)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, issue.ClosePolicyViolation), "got %v", err)
	assert.Nil(t, manager.Current())
}

func TestAttachReplaysPendingTest(t *testing.T) {
	fake := llm.NewFakeProvider(
		llm.FakeReply{Content: []string{`{"updated_probabilities": [{"issue": "fuel filter", "probability": 6}], "next_test": {"name": "bowl", "description": "check the water separator"}}`}},
		llm.FakeReply{Content: []string{`{"test_text": "Is there water in the separator bowl?", "test_result_field_type": "boolean"}`}},
	)
	url, manager := startServer(t, fake)

	conn := dial(t, url)
	created := readUntil(t, conn, envelope.TypeIssueCreated)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    envelope.TypeIssueBegin,
		"payload": map[string]any{"id": "seed", "name": "user_description"},
	}))
	readUntil(t, conn, envelope.TypeIssuePhaseChanged)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    envelope.TypeDiagnosticTestResult,
		"payload": map[string]any{"test_id": "seed", "result": "stalls under load"},
	}))
	first := readUntil(t, conn, envelope.TypeDiagnosticTest)
	testID := first["payload"].(map[string]any)["test_id"]
	require.NotEmpty(t, testID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		iss := manager.Current()
		return iss != nil && !iss.Snapshot().Connected
	}, frameTimeout, 10*time.Millisecond)

	again := dial(t, attachURL(url))
	attached := readUntil(t, again, envelope.TypeIssueAttached)
	assert.Equal(t, created["issue_id"], attached["issue_id"])
	assert.Equal(t, string(issue.PhaseDiagnostics), attached["payload"].(map[string]any)["phase"])

	replayed := readUntil(t, again, envelope.TypeDiagnosticTest)
	payload := replayed["payload"].(map[string]any)
	assert.Equal(t, testID, payload["test_id"])
	assert.Equal(t, "Is there water in the separator bowl?", payload["test_text"])
	assert.True(t, manager.Current().Snapshot().Connected)

	// the reattached socket drives the issue like the original one
	require.NoError(t, again.WriteJSON(map[string]any{
		"type":    envelope.TypeDiagnosticTestResult,
		"payload": map[string]any{"test_id": testID, "result": true},
	}))
	require.Eventually(t, func() bool {
		snap := manager.Current().Snapshot()
		return len(snap.TestLog) == 2 && snap.TestLog[1].Result == true
	}, frameTimeout, 10*time.Millisecond)
}

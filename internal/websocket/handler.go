package websocket

import (
	"context"

	"github.com/jake-jlawson/dashtech/internal/issue"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/envelope"

	"github.com/gofiber/websocket/v2"
)

// ServeIssue runs the session-create socket: it creates the issue (or rejects the
// caller when one is live) and then relays frames both ways until either side closes.
func ServeIssue(manager *issue.Manager, c *websocket.Conn, log logger.ILogger) {
	client := NewClient(c, log)

	iss, created := manager.CreateOrReject(context.Background(), client)
	if !created {
		log.Info("IssueSocket", "Create rejected, issue already active", map[string]interface{}{"issue_id": iss.ID})
		client.writePump()
		return
	}

	relay(manager, iss, client, log)
}

// ServeAttach reconnects a client to the live issue, replacing whatever socket the
// issue had. Without a live issue the caller is rejected and closed.
func ServeAttach(manager *issue.Manager, c *websocket.Conn, log logger.ILogger) {
	client := NewClient(c, log)

	iss, attached := manager.AttachOrReject(context.Background(), client)
	if !attached {
		log.Info("IssueSocket", "Attach rejected", map[string]interface{}{"live": iss != nil})
		_ = client.Close(websocket.ClosePolicyViolation, issue.RejectReasonNoIssue)
		client.writePump()
		return
	}
	log.Info("IssueSocket", "Client attached", map[string]interface{}{"issue_id": iss.ID})
	relay(manager, iss, client, log)
}

// relay pumps frames between client and iss until the socket closes.
func relay(manager *issue.Manager, iss *issue.Issue, client *Client, log logger.ILogger) {
	client.OnMessage = func(data []byte) {
		if err := iss.Ingest(data); err != nil {
			log.Warn("IssueSocket", "Rejected inbound frame", map[string]interface{}{"issue_id": iss.ID, "error": err.Error()})
			_ = client.SendJSON(envelope.New(envelope.TypeIssueError, iss.ID, envelope.SourceSystem, map[string]any{
				"stage": "ingest",
				"error": err.Error(),
			}))
		}
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()
	client.readPump()
	manager.DetachTransport(iss, client)
	<-done
	log.Info("IssueSocket", "Connection closed", map[string]interface{}{"issue_id": iss.ID})
}

// ServeWatcher streams lifecycle events from the hub to a read-only observer.
func ServeWatcher(hub *Hub, c *websocket.Conn, log logger.ILogger) {
	client := NewClient(c, log)
	if !hub.add(client) {
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}

	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()
	client.readPump()
	hub.remove(client)
	<-done
}

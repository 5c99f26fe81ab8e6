package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jake-jlawson/dashtech/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(events.BaseEvent{Type: events.TypeIssueClosed, Data: map[string]interface{}{"issue_id": "x"}, OccurredAt: at})
	require.NoError(t, err)

	event, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, events.TypeIssueClosed, event.Type)
	assert.Equal(t, "x", event.Data["issue_id"])
	assert.True(t, at.Equal(event.OccurredAt))
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{"payload": {}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "events.issue.created", Subject(events.TypeIssueCreated))
}

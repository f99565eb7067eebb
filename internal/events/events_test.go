package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// TestIndicatorEvent_Subjects verifies created and updated indicators route
// to different subjects.
func TestIndicatorEvent_Subjects(t *testing.T) {
	ind := indicator.Indicator{Type: indicator.TypeIP, Value: "8.8.8.8"}

	created := IndicatorEvent(ind, true, "feed-a")
	updated := IndicatorEvent(ind, false, "feed-a")

	assert.Equal(t, SubjectIndicatorCreated, created.Subject)
	assert.Equal(t, SubjectIndicatorUpdated, updated.Subject)
	assert.NotEqual(t, created.ID, updated.ID)
	assert.Equal(t, "8.8.8.8", created.Indicator.Value)
}

// TestAlertEvent verifies alert envelopes.
func TestAlertEvent(t *testing.T) {
	e := AlertEvent(indicator.Alert{ID: "a1", Source: "edr", Severity: indicator.SeverityHigh})

	assert.Equal(t, SubjectAlertCreated, e.Subject)
	assert.Equal(t, "edr", e.Source)
	require.NotNil(t, e.Alert)
	assert.Nil(t, e.Indicator)
}

// TestNop verifies the no-op publisher accepts everything.
func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

type countingPublisher struct {
	published int
	err       error
}

func (c *countingPublisher) Publish(context.Context, Event) error {
	c.published++
	return c.err
}

func (c *countingPublisher) Close() error { return c.err }

// TestMulti verifies fan-out continues past a failing publisher.
func TestMulti(t *testing.T) {
	failing := &countingPublisher{err: errors.New("down")}
	ok := &countingPublisher{}
	m := Multi{failing, ok}

	err := m.Publish(context.Background(), AlertEvent(indicator.Alert{ID: "a1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, 1, failing.published)
	assert.Equal(t, 1, ok.published)

	assert.Error(t, m.Close())
	assert.NoError(t, Multi{ok}.Close())
}

// TestNATSPublisher_RoundTrip publishes to a live server when
// THREATLENS_TEST_NATS_URL is set.
func TestNATSPublisher_RoundTrip(t *testing.T) {
	url := os.Getenv("THREATLENS_TEST_NATS_URL")
	if url == "" {
		t.Skip("THREATLENS_TEST_NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe(SubjectIndicatorCreated, received)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(NATSConfig{URL: url}, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pub.Close()

	ind := indicator.Indicator{Type: indicator.TypeDomain, Value: "evil.com", Severity: indicator.SeverityHigh}
	require.NoError(t, pub.Publish(context.Background(), IndicatorEvent(ind, true, "feed-a")))

	select {
	case msg := <-received:
		assert.Equal(t, "domain", msg.Header.Get("x-indicator-type"))
		var e Event
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, "evil.com", e.Indicator.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}

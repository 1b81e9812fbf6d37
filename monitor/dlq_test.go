package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/gridfeed-go/contracts"
	"github.com/glimte/gridfeed-go/internal/reliability"
	"github.com/glimte/gridfeed-go/messaging"
	"github.com/glimte/gridfeed-go/transports/inmemory"
)

// deadLetter pushes env through the carbon queue and rejects it so it lands
// in the dead-letter queue with real x-death headers.
func deadLetter(t *testing.T, tr *inmemory.Transport, env *contracts.Envelope, headers map[string]interface{}) {
	t.Helper()
	body, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, tr.Publisher().PublishToQueue(context.Background(), messaging.CarbonQueue, messaging.Raw{
		MessageID: env.ID,
		AppID:     env.Source,
		Body:      body,
		Headers:   headers,
	}))

	d, ok, err := tr.Inspector().Get(context.Background(), messaging.CarbonQueue)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Reject())
}

func dlqDepth(t *testing.T, tr *inmemory.Transport) int {
	t.Helper()
	info, err := tr.Inspector().Inspect(context.Background(), messaging.DeadLetterQueue)
	require.NoError(t, err)
	return info.Depth
}

func TestBrowseSummarizesWithoutConsuming(t *testing.T) {
	tr := declaredTransport(t)
	first := carbonEnvelope(t)
	second := carbonEnvelope(t)
	deadLetter(t, tr, first, nil)
	deadLetter(t, tr, second, nil)

	browser, err := NewDLQBrowser(tr.Inspector(), WithBrowserLogger(quietLogger()))
	require.NoError(t, err)

	summaries, err := browser.Browse(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, first.ID, summaries[0].MessageID)
	assert.Equal(t, contracts.TypeCarbonIntensity, summaries[0].Kind)
	assert.Equal(t, "gridfeed-ingester", summaries[0].Source)
	assert.Equal(t, messaging.CarbonQueue, summaries[0].FromQueue)
	assert.Equal(t, "rejected", summaries[0].Reason)
	assert.Equal(t, int64(1), summaries[0].DeathCount)
	assert.False(t, summaries[0].DeadAt.IsZero())
	assert.Zero(t, summaries[0].RetryCount)
	assert.False(t, summaries[0].Malformed)

	assert.Equal(t, 2, dlqDepth(t, tr), "browsing must not consume")

	again, err := browser.Browse(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, summaries[0].MessageID, again[0].MessageID, "browse preserves queue order")
	assert.Equal(t, summaries[1].MessageID, again[1].MessageID)
}

func TestBrowseHonorsTheLimit(t *testing.T) {
	tr := declaredTransport(t)
	for i := 0; i < 3; i++ {
		deadLetter(t, tr, carbonEnvelope(t), nil)
	}

	browser, err := NewDLQBrowser(tr.Inspector(), WithBrowserLogger(quietLogger()))
	require.NoError(t, err)

	summaries, err := browser.Browse(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	assert.Equal(t, 3, dlqDepth(t, tr))
}

func TestBrowseMarksUndecodableMessages(t *testing.T) {
	tr := declaredTransport(t)
	require.NoError(t, tr.Publisher().PublishToQueue(context.Background(), messaging.DeadLetterQueue, messaging.Raw{
		MessageID: "broken-1",
		Body:      []byte("not an envelope"),
	}))

	browser, err := NewDLQBrowser(tr.Inspector(), WithBrowserLogger(quietLogger()))
	require.NoError(t, err)

	summaries, err := browser.Browse(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "broken-1", summaries[0].MessageID)
	assert.True(t, summaries[0].Malformed)
	assert.Empty(t, summaries[0].Kind)
}

func TestReplayRestoresEnvelopeWithFreshRetryBudget(t *testing.T) {
	tr := declaredTransport(t)
	env := carbonEnvelope(t)
	// Dead-lettered after an exhausted retry budget.
	deadLetter(t, tr, env, reliability.WithRetryCount(nil, 3))

	replayer, err := NewDLQReplayer(tr.Inspector(), tr.Publisher(), WithReplayerLogger(quietLogger()))
	require.NoError(t, err)

	report, err := replayer.Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Replayed: 1}, report)
	assert.Equal(t, 0, dlqDepth(t, tr))

	d, ok, err := tr.Inspector().Get(context.Background(), messaging.CarbonQueue)
	require.NoError(t, err)
	require.True(t, ok, "the replayed envelope routes back to its queue by type")
	assert.Equal(t, env.ID, d.MessageID())
	assert.Equal(t, contracts.TypeCarbonIntensity, d.RoutingKey())
	assert.Zero(t, reliability.RetryCount(d.Headers()), "replay resets the retry budget")
	require.NoError(t, d.Ack())
}

func TestReplaySkipsUndecodableMessages(t *testing.T) {
	tr := declaredTransport(t)
	require.NoError(t, tr.Publisher().PublishToQueue(context.Background(), messaging.DeadLetterQueue, messaging.Raw{
		MessageID: "broken-1",
		Body:      []byte("not an envelope"),
	}))
	deadLetter(t, tr, carbonEnvelope(t), nil)

	replayer, err := NewDLQReplayer(tr.Inspector(), tr.Publisher(), WithReplayerLogger(quietLogger()))
	require.NoError(t, err)

	report, err := replayer.Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Replayed: 1, Skipped: 1}, report)
	assert.Equal(t, 1, dlqDepth(t, tr), "the undecodable message stays put")
}

func TestReplayOnEmptyQueue(t *testing.T) {
	tr := declaredTransport(t)
	replayer, err := NewDLQReplayer(tr.Inspector(), tr.Publisher(), WithReplayerLogger(quietLogger()))
	require.NoError(t, err)

	report, err := replayer.Replay(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{}, report)
}

func TestPurgeEmptiesTheQueue(t *testing.T) {
	tr := declaredTransport(t)
	deadLetter(t, tr, carbonEnvelope(t), nil)
	deadLetter(t, tr, carbonEnvelope(t), nil)

	browser, err := NewDLQBrowser(tr.Inspector(), WithBrowserLogger(quietLogger()))
	require.NoError(t, err)

	n, err := browser.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, dlqDepth(t, tr))
}

package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Health(context.Context) error { return p.err }

type recordingReceiver struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingReceiver) SendAlert(alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, *alert)
	return nil
}

func TestAlertManager_TriggerAndResolve(t *testing.T) {
	pinger := &fakePinger{err: errors.New("connection refused")}
	receiver := &recordingReceiver{}

	am := NewAlertManager(NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	am.AddReceiver(receiver)
	am.AddRule(StoreUnreachableRule(pinger))

	ctx := context.Background()
	am.CheckRules(ctx)
	am.CheckRules(ctx)

	active := am.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "store_unreachable", active[0].ID)
	assert.Equal(t, AlertLevelCritical, active[0].Level)
	assert.Len(t, receiver.alerts, 1, "an active alert is sent once")

	pinger.err = nil
	am.CheckRules(ctx)
	assert.Empty(t, am.GetActiveAlerts())

	pinger.err = errors.New("timeout")
	am.CheckRules(ctx)
	assert.Len(t, am.GetActiveAlerts(), 1)
	assert.Len(t, receiver.alerts, 2)
}

func TestWebSocketSaturationRule(t *testing.T) {
	clients := 3
	rule := WebSocketSaturationRule(func() int { return clients }, 5)

	assert.False(t, rule.Condition(context.Background()))
	clients = 6
	assert.True(t, rule.Condition(context.Background()))
}

func TestHighMemoryUsageRule(t *testing.T) {
	assert.True(t, HighMemoryUsageRule(0).Condition(context.Background()))
	assert.False(t, HighMemoryUsageRule(1<<20).Condition(context.Background()))
}

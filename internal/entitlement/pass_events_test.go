package entitlement

import (
	"context"
	"testing"
	"time"

	apperrors "entitlement-delivery/internal/common/errors"
	"entitlement-delivery/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passEvent(id string, typ models.PassEventType, occurred time.Time) models.PassEvent {
	return models.PassEvent{
		EventID:       id,
		Type:          typ,
		PrincipalID:   "user-1",
		EntitlementID: "pass-1",
		PassType:      models.PassRecurring,
		OccurredAt:    occurred,
	}
}

func withPeriod(ev models.PassEvent, start, end time.Time) models.PassEvent {
	ev.PeriodStart = &start
	ev.PeriodEnd = &end
	return ev
}

// ==========================
// Validation
// ==========================

func TestValidatePassEvent(t *testing.T) {
	valid := passEvent("evt-1", models.PassEventActivated, testNow)

	tests := []struct {
		name   string
		mutate func(ev *models.PassEvent)
	}{
		{"missing event id", func(ev *models.PassEvent) { ev.EventID = "" }},
		{"missing principal", func(ev *models.PassEvent) { ev.PrincipalID = "" }},
		{"missing entitlement", func(ev *models.PassEvent) { ev.EntitlementID = "" }},
		{"missing occurred at", func(ev *models.PassEvent) { ev.OccurredAt = time.Time{} }},
		{"unknown type", func(ev *models.PassEvent) { ev.Type = "pass.paused" }},
		{"unknown pass type", func(ev *models.PassEvent) { ev.PassType = "weekly" }},
	}

	require.NoError(t, ValidatePassEvent(valid))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			err := ValidatePassEvent(ev)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))
		})
	}
}

// ==========================
// Lifecycle
// ==========================

func TestApplyPassEvent_Lifecycle(t *testing.T) {
	e, s, n := newTestEngine(t, Config{})
	ctx := context.Background()
	start := testNow.Add(-time.Hour)
	end := testNow.Add(30 * 24 * time.Hour)

	res, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-1", models.PassEventActivated, start), start, end))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Pass)
	assert.Equal(t, models.PassActive, res.Pass.Status)

	d, err := e.CheckAccess(ctx, "user-1", "P1")
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, "pass-1", d.EntitlementID)

	res, err = e.ApplyPassEvent(ctx, passEvent("evt-2", models.PassEventPaymentFailed, start.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	d, err = e.CheckAccess(ctx, "user-1", "P1")
	require.NoError(t, err)
	assert.Equal(t, apperrors.ErrCodePassInactive, d.Reason)

	res, err = e.ApplyPassEvent(ctx, passEvent("evt-3", models.PassEventReactivated, start.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassActive, stored.Status)
	require.NotNil(t, stored.PeriodEnd)
	assert.True(t, stored.PeriodEnd.Equal(end))

	assert.Equal(t, 1, n.count(models.PassEventActivated))
	assert.Equal(t, 1, n.count(models.PassEventPaymentFailed))
	assert.Equal(t, 1, n.count(models.PassEventReactivated))
}

func TestApplyPassEvent_DuplicateDelivery(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	ev := withPeriod(passEvent("evt-1", models.PassEventActivated, testNow), testNow, testNow.Add(time.Hour))

	first, err := e.ApplyPassEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := e.ApplyPassEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	stored, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassActive, stored.Status)
}

func TestApplyPassEvent_OutOfOrderEventIsStale(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	_, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-1", models.PassEventActivated, testNow), testNow, testNow.Add(time.Hour)))
	require.NoError(t, err)
	_, err = e.ApplyPassEvent(ctx, passEvent("evt-3", models.PassEventCancelled, testNow.Add(10*time.Minute)))
	require.NoError(t, err)

	// payment failure raised before the cancellation arrives late
	res, err := e.ApplyPassEvent(ctx, passEvent("evt-2", models.PassEventPaymentFailed, testNow.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, OutcomeStale, res.Outcome)

	stored, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassCancelled, stored.Status)
}

func TestApplyPassEvent_RenewalAppliesOnlyNewerPeriod(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	p1Start, p1End := testNow.Add(-time.Hour), testNow.Add(time.Hour)
	p2End := p1End.Add(30 * 24 * time.Hour)

	_, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-1", models.PassEventActivated, p1Start), p1Start, p1End))
	require.NoError(t, err)

	pass, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	pass.PeriodDownloads = 4
	pass.TotalDownloads = 4
	require.NoError(t, s.PutPass(ctx, pass))

	res, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-2", models.PassEventRenewed, p1End), p1End, p2End))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	pass, err = s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.True(t, pass.PeriodEnd.Equal(p2End))
	assert.Equal(t, 0, pass.PeriodDownloads)
	assert.Equal(t, 4, pass.TotalDownloads)

	// replay of the first renewal under a new event id
	res, err = e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-2b", models.PassEventRenewed, p1End.Add(time.Second)), p1Start, p1End))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, OutcomeStale, res.Outcome)
}

func TestApplyPassEvent_CancelAtPeriodEndKeepsAccess(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-1", models.PassEventActivated, testNow), testNow, testNow.Add(time.Hour)))
	require.NoError(t, err)

	ev := passEvent("evt-2", models.PassEventCancelled, testNow.Add(time.Minute))
	ev.CancelAtPeriodEnd = true
	res, err := e.ApplyPassEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stored, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassActive, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)

	d, err := e.CheckAccess(ctx, "user-1", "P1")
	require.NoError(t, err)
	assert.True(t, d.Granted)
}

func TestApplyPassEvent_IgnoredEvents(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	res, err := e.ApplyPassEvent(ctx, passEvent("evt-1", models.PassEventCancelled, testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-2", models.PassEventActivated, testNow), testNow, testNow.Add(time.Hour)))
	require.NoError(t, err)

	hijack := passEvent("evt-3", models.PassEventCancelled, testNow.Add(time.Minute))
	hijack.PrincipalID = "user-2"
	res, err = e.ApplyPassEvent(ctx, hijack)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestApplyPassEvent_NewActivationSupersedesOldPass(t *testing.T) {
	e, s, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.ApplyPassEvent(ctx, withPeriod(passEvent("evt-1", models.PassEventActivated, testNow), testNow, testNow.Add(time.Hour)))
	require.NoError(t, err)

	lifetime := passEvent("evt-2", models.PassEventActivated, testNow.Add(time.Minute))
	lifetime.EntitlementID = "pass-life"
	lifetime.PassType = models.PassLifetime
	res, err := e.ApplyPassEvent(ctx, lifetime)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Nil(t, res.Pass.PeriodEnd)

	old, err := s.GetPass(ctx, "pass-1")
	require.NoError(t, err)
	assert.Equal(t, models.PassCancelled, old.Status)

	current, err := s.CurrentPass(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pass-life", current.ID)
}

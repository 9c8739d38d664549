package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	"github.com/smallbiznis/affiliate/internal/audit/repository"
	"github.com/smallbiznis/affiliate/internal/auditcontext"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/smallbiznis/affiliate/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (auditdomain.Service, *gorm.DB) {
	db := testutil.SetupTestDB(t)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	return svc, db
}

func TestRecordMasksAndEnriches(t *testing.T) {
	svc, db := newTestService(t)

	ctx := auditcontext.WithActor(context.Background(), "operator", "ops-1")
	ctx = auditcontext.WithRequestID(ctx, "req-9")
	ctx = auditcontext.WithIPAddress(ctx, "10.0.0.1")

	err := svc.Record(ctx, nil, auditdomain.Entry{
		Action:     "affiliate.status_changed",
		TargetType: "affiliate",
		TargetID:   "42",
		Metadata:   map[string]any{"pix_key": "11122233344", "to": "approved"},
	})
	require.NoError(t, err)
	testutil.AssertCount(t, db, "audit_logs", 1, "action = ?", "affiliate.status_changed")

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: "42"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, "operator", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "ops-1", *entry.ActorID)
	assert.Equal(t, "****3344", entry.Metadata["pix_key"])
	assert.Equal(t, "approved", entry.Metadata["to"])
	assert.Equal(t, "req-9", entry.Metadata["request_id"])
	assert.NotEmpty(t, entry.Metadata["correlation_id"])
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.AuditLog(context.Background(), "", nil, "ledger.inconsistency", "affiliate", nil, nil))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Action: "ledger.inconsistency"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].TargetID)
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Record(context.Background(), nil, auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestRecordRollsBackWithCallerTransaction(t *testing.T) {
	svc, db := newTestService(t)

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Record(context.Background(), tx, auditdomain.Entry{Action: "payout.settled", TargetType: "payout"}))
		return assert.AnError
	})
	testutil.AssertCount(t, db, "audit_logs", 0, "")
}

func TestListPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(context.Background(), nil, auditdomain.Entry{Action: "referral.advanced", TargetType: "referral"}))
	}

	first, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)

	second, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)
	assert.Less(t, second.AuditLogs[0].ID.Int64(), first.AuditLogs[1].ID.Int64())
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc, _ := newTestService(t)
	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}

package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"

	domainerrors "github.com/instill-ai/docflow-backend/pkg/errors"
)

func newTestRepository(c *qt.C) *repository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	c.Assert(err, qt.IsNil)

	// Every connection to :memory: opens a distinct database.
	sqlDB, err := db.DB()
	c.Assert(err, qt.IsNil)
	sqlDB.SetMaxOpenConns(1)
	c.Cleanup(func() { _ = sqlDB.Close() })

	c.Assert(db.AutoMigrate(&FileModel{}), qt.IsNil)
	return &repository{db: db}
}

func createTestFile(c *qt.C, r *repository) *FileModel {
	f, err := r.CreateFile(context.Background(), FileModel{
		Name:        "report.pdf",
		Collection:  "kb-test",
		Bucket:      "docflow-blob",
		StorageKey:  "file/report.pdf",
		ContentType: "application/pdf",
	})
	c.Assert(err, qt.IsNil)
	return f
}

func TestRepository_CreateFile(t *testing.T) {
	c := qt.New(t)
	r := newTestRepository(c)
	ctx := context.Background()

	f := createTestFile(c, r)
	c.Check(f.UID.IsNil(), qt.IsFalse)

	got, err := r.GetFile(ctx, f.UID)
	c.Assert(err, qt.IsNil)
	c.Check(got.Status, qt.Equals, types.FileStatusUploaded)
	c.Check(got.ParseProgress, qt.Equals, types.ProgressNotStarted)
	c.Check(got.IndexProgress, qt.Equals, types.ProgressNotStarted)
	c.Check(got.ClaimedTaskID, qt.IsNil)
	c.Check(got.IndexStale, qt.IsFalse)

	_, err = r.GetFile(ctx, uuid.Must(uuid.NewV4()))
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)
}

func TestRepository_ClaimFileTask(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("ok - claim sets in-progress status and resets progress", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)

		err := r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1")
		c.Assert(err, qt.IsNil)

		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusParsing)
		c.Check(got.ParseProgress, qt.Equals, 0.0)
		c.Check(got.IndexProgress, qt.Equals, types.ProgressNotStarted)
		c.Assert(got.ClaimedTaskID, qt.IsNotNil)
		c.Check(*got.ClaimedTaskID, qt.Equals, "job-1")
		kind, ok := got.ClaimKind()
		c.Check(ok, qt.IsTrue)
		c.Check(kind, qt.Equals, types.TaskKindParse)
	})

	c.Run("ok - re-claim after a run resets the stale counter", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)

		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)
		_, err := r.ApplyFileProgress(ctx, f.UID, types.TaskKindParse, 100)
		c.Assert(err, qt.IsNil)
		_, err = r.OverwriteFileStatus(ctx, []types.FileUIDType{f.UID}, types.FileStatusParsed, "job-1")
		c.Assert(err, qt.IsNil)

		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-2"), qt.IsNil)
		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.ParseProgress, qt.Equals, 0.0)
		c.Check(*got.ClaimedTaskID, qt.Equals, "job-2")
	})

	c.Run("nok - already claimed performs no mutation", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)

		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)
		_, err := r.ApplyFileProgress(ctx, f.UID, types.TaskKindParse, 40)
		c.Assert(err, qt.IsNil)
		before, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)

		err = r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-2")
		c.Check(errors.Is(err, domainerrors.ErrAlreadyClaimed), qt.IsTrue)

		after, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(after.Status, qt.Equals, before.Status)
		c.Check(after.ParseProgress, qt.Equals, 40.0)
		c.Check(*after.ClaimedTaskID, qt.Equals, "job-1")
		c.Check(after.UpdateTime, qt.Equals, before.UpdateTime)
	})

	c.Run("nok - index requires parsed text", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)

		err := r.ClaimFileTask(ctx, f.UID, types.TaskKindIndex, "job-1")
		c.Check(errors.Is(err, domainerrors.ErrInvalidTransition), qt.IsTrue)

		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusUploaded)
		c.Check(got.ClaimedTaskID, qt.IsNil)
	})

	c.Run("nok - missing file", func(c *qt.C) {
		r := newTestRepository(c)
		err := r.ClaimFileTask(ctx, uuid.Must(uuid.NewV4()), types.TaskKindParse, "job-1")
		c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)
	})

	c.Run("ok - concurrent claims have a single winner", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)

		const attempts = 8
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		for i := range attempts {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-"+string(rune('a'+i)))
			}(i)
		}
		wg.Wait()
		close(errs)

		var won, conflicts int
		for err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, domainerrors.ErrAlreadyClaimed):
				conflicts++
			default:
				c.Fatalf("unexpected error: %v", err)
			}
		}
		c.Check(won, qt.Equals, 1)
		c.Check(conflicts, qt.Equals, attempts-1)
	})
}

func TestRepository_ApplyFileProgress(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := newTestRepository(c)
	f := createTestFile(c, r)
	c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)

	testCases := []struct {
		name        string
		percent     float64
		wantApplied bool
		wantStored  float64
	}{
		{name: "raise", percent: 30, wantApplied: true, wantStored: 30},
		{name: "stale event is ignored", percent: 10, wantApplied: false, wantStored: 30},
		{name: "duplicate event is ignored", percent: 30, wantApplied: false, wantStored: 30},
		{name: "raise again", percent: 75.5, wantApplied: true, wantStored: 75.5},
		{name: "out of range is clamped", percent: 150, wantApplied: true, wantStored: 100},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			applied, err := r.ApplyFileProgress(ctx, f.UID, types.TaskKindParse, tc.percent)
			c.Assert(err, qt.IsNil)
			c.Check(applied, qt.Equals, tc.wantApplied)

			got, err := r.GetFile(ctx, f.UID)
			c.Assert(err, qt.IsNil)
			c.Check(got.ParseProgress, qt.Equals, tc.wantStored)
			c.Check(got.Status, qt.Equals, types.FileStatusParsing)
		})
	}

	c.Run("nok - unknown file", func(c *qt.C) {
		_, err := r.ApplyFileProgress(ctx, uuid.Must(uuid.NewV4()), types.TaskKindParse, 10)
		c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)
	})
}

func TestRepository_OverwriteFileStatus(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("ok - terminal status clears the claim", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)

		n, err := r.OverwriteFileStatus(ctx, []types.FileUIDType{f.UID}, types.FileStatusParsed, "job-1")
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(1))

		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusParsed)
		c.Check(got.ClaimedTaskID, qt.IsNil)
		c.Check(got.ClaimedTaskKind, qt.IsNil)
	})

	c.Run("ok - stale job doesn't overwrite a newer claim", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-2"), qt.IsNil)

		n, err := r.OverwriteFileStatus(ctx, []types.FileUIDType{f.UID}, types.FileStatusParsed, "job-1")
		c.Assert(err, qt.IsNil)
		c.Check(n, qt.Equals, int64(0))

		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusParsing)
	})

	c.Run("nok - transient status is rejected", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		_, err := r.OverwriteFileStatus(ctx, []types.FileUIDType{f.UID}, types.FileStatusIndexing, "")
		c.Check(errors.Is(err, errorsx.ErrInvalidArgument), qt.IsTrue)
	})
}

func TestRepository_FailClaimedTask(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("ok - crash after partial progress", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)
		_, err := r.ApplyFileProgress(ctx, f.UID, types.TaskKindParse, 50)
		c.Assert(err, qt.IsNil)

		changed, err := r.FailClaimedTask(ctx, "job-1", "worker lost")
		c.Assert(err, qt.IsNil)
		c.Assert(changed, qt.HasLen, 1)
		c.Check(changed[0].UID, qt.Equals, f.UID)
		c.Check(changed[0].Status, qt.Equals, types.FileStatusParseFailed)

		got, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
		c.Check(got.ParseProgress, qt.Equals, 50.0)
		c.Check(got.ClaimedTaskID, qt.IsNil)
		c.Check(got.ExtraMetaData.Data().FailReason, qt.Equals, "worker lost")
	})

	c.Run("ok - second invocation is a no-op", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-x"), qt.Not(qt.IsNil))

		changed, err := r.FailClaimedTask(ctx, "job-1", "boom")
		c.Assert(err, qt.IsNil)
		c.Assert(changed, qt.HasLen, 1)
		first, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)

		changed, err = r.FailClaimedTask(ctx, "job-1", "boom again")
		c.Assert(err, qt.IsNil)
		c.Check(changed, qt.HasLen, 0)

		second, err := r.GetFile(ctx, f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(second.UpdateTime, qt.Equals, first.UpdateTime)
		c.Check(second.ExtraMetaData.Data().FailReason, qt.Equals, "boom")
	})

	c.Run("ok - index failure", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		parsed := types.FileStatusParsed
		_, err := r.UpdateFiles(ctx, []types.FileUIDType{f.UID}, FileUpdate{Status: &parsed})
		c.Assert(err, qt.IsNil)
		c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindIndex, "job-9"), qt.IsNil)

		changed, err := r.FailClaimedTask(ctx, "job-9", "")
		c.Assert(err, qt.IsNil)
		c.Assert(changed, qt.HasLen, 1)
		c.Check(changed[0].Status, qt.Equals, types.FileStatusIndexFailed)
	})

	c.Run("ok - claim without kind is reported, not fatal", func(c *qt.C) {
		r := newTestRepository(c)
		f := createTestFile(c, r)
		err := r.db.Model(&FileModel{}).Where("uid = ?", f.UID).Updates(map[string]any{
			FileColumn.Status:        string(types.FileStatusIndexing),
			FileColumn.ClaimedTaskID: "job-odd",
		}).Error
		c.Assert(err, qt.IsNil)

		changed, err := r.FailClaimedTask(ctx, "job-odd", "")
		c.Assert(err, qt.IsNil)
		c.Assert(changed, qt.HasLen, 1)
		c.Check(changed[0].Status, qt.Equals, types.FileStatusIndexFailed)
		c.Check(changed[0].ClaimedTaskID, qt.IsNil)
	})
}

func TestRepository_ForceClearFileClaim(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := newTestRepository(c)
	f := createTestFile(c, r)
	c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-lost"), qt.IsNil)

	got, cleared, err := r.ForceClearFileClaim(ctx, f.UID, "")
	c.Assert(err, qt.IsNil)
	c.Check(cleared, qt.IsTrue)
	c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
	c.Check(got.ClaimedTaskID, qt.IsNil)

	_, cleared, err = r.ForceClearFileClaim(ctx, f.UID, "")
	c.Assert(err, qt.IsNil)
	c.Check(cleared, qt.IsFalse)

	// The file can be claimed again.
	c.Check(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-new"), qt.IsNil)
}

func TestRepository_ForceClearFileClaim_ExpectedJob(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := newTestRepository(c)
	f := createTestFile(c, r)

	// The lost job was reconciled and the file dispatched again before the
	// clear arrived.
	c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-lost"), qt.IsNil)
	_, err := r.FailClaimedTask(ctx, "job-lost", "")
	c.Assert(err, qt.IsNil)
	c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-live"), qt.IsNil)

	got, cleared, err := r.ForceClearFileClaim(ctx, f.UID, "job-lost")
	c.Assert(err, qt.IsNil)
	c.Check(cleared, qt.IsFalse)
	c.Assert(got.ClaimedTaskID, qt.IsNotNil)
	c.Check(*got.ClaimedTaskID, qt.Equals, "job-live")
	c.Check(got.Status, qt.Equals, types.FileStatusParsing)

	got, cleared, err = r.ForceClearFileClaim(ctx, f.UID, "job-live")
	c.Assert(err, qt.IsNil)
	c.Check(cleared, qt.IsTrue)
	c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
	c.Check(got.ClaimedTaskID, qt.IsNil)
}

func TestRepository_DeleteFile(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := newTestRepository(c)
	f := createTestFile(c, r)
	c.Assert(r.ClaimFileTask(ctx, f.UID, types.TaskKindParse, "job-1"), qt.IsNil)

	err := r.DeleteFile(ctx, f.UID)
	c.Check(errors.Is(err, domainerrors.ErrClaimed), qt.IsTrue)

	_, err = r.FailClaimedTask(ctx, "job-1", "")
	c.Assert(err, qt.IsNil)
	c.Assert(r.DeleteFile(ctx, f.UID), qt.IsNil)

	_, err = r.GetFile(ctx, f.UID)
	c.Check(errors.Is(err, errorsx.ErrNotFound), qt.IsTrue)

	claimed, err := r.ListClaimedFiles(ctx)
	c.Assert(err, qt.IsNil)
	c.Check(claimed, qt.HasLen, 0)
}

func TestRepository_SetFileIndexStale(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := newTestRepository(c)
	f := createTestFile(c, r)

	n, err := r.SetFileIndexStale(ctx, []types.FileUIDType{f.UID, uuid.Must(uuid.NewV4())}, true)
	c.Assert(err, qt.IsNil)
	c.Check(n, qt.Equals, int64(1))

	got, err := r.GetFile(ctx, f.UID)
	c.Assert(err, qt.IsNil)
	c.Check(got.IndexStale, qt.IsTrue)
	c.Check(got.Status, qt.Equals, types.FileStatusUploaded)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/instill-ai/docflow-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
	logx "github.com/instill-ai/x/log"

	domainerrors "github.com/instill-ai/docflow-backend/pkg/errors"
)

const (
	// FileTableName is the table name for pipeline files
	FileTableName = "file"
)

// File is the entity store of the pipeline. Besides plain reads and partial
// updates, it implements the status transitions of the coordination
// subsystem. Claiming a task is the only compare-and-set operation; the rest
// are field writes guarded by the claim.
type File interface {
	// CreateFile inserts a new file in the uploaded status.
	CreateFile(context.Context, FileModel) (*FileModel, error)
	// GetFile returns a file by UID.
	GetFile(_ context.Context, uid types.FileUIDType) (*FileModel, error)
	// GetFilesByUIDs returns the files matching the UIDs. Unknown UIDs are
	// skipped.
	GetFilesByUIDs(_ context.Context, uids []types.FileUIDType) ([]FileModel, error)
	// GetFilesByClaimedTaskID returns the files claimed by a job.
	GetFilesByClaimedTaskID(_ context.Context, jobID types.JobIDType) ([]FileModel, error)
	// ListFiles returns the files in a collection (all files if empty).
	ListFiles(_ context.Context, collection string) ([]FileModel, error)
	// ListClaimedFiles returns every file holding a task claim.
	ListClaimedFiles(context.Context) ([]FileModel, error)
	// UpdateFiles applies a partial update to a set of files and returns the
	// number of affected rows.
	UpdateFiles(_ context.Context, uids []types.FileUIDType, _ FileUpdate) (int64, error)
	// DeleteFile soft-deletes a file that has no claim.
	DeleteFile(_ context.Context, uid types.FileUIDType) error

	// ClaimFileTask atomically claims a file for a job of the given kind.
	ClaimFileTask(_ context.Context, uid types.FileUIDType, kind types.TaskKind, jobID types.JobIDType) error
	// ApplyFileProgress raises the progress counter of a stage, never
	// lowering an already higher value. It returns whether the row changed.
	ApplyFileProgress(_ context.Context, uid types.FileUIDType, kind types.TaskKind, percent float64) (bool, error)
	// OverwriteFileStatus sets a settled status and clears the claim. When
	// jobID is set, files claimed by a different job are left untouched.
	OverwriteFileStatus(_ context.Context, uids []types.FileUIDType, status types.FileStatus, jobID types.JobIDType) (int64, error)
	// SetFileIndexStale sets the revision flag.
	SetFileIndexStale(_ context.Context, uids []types.FileUIDType, stale bool) (int64, error)
	// FailClaimedTask moves every file claimed by a job to the failure status
	// of its claimed kind and clears the claim. It returns the changed files;
	// none once the claims are gone.
	FailClaimedTask(_ context.Context, jobID types.JobIDType, reason string) ([]FileModel, error)
	// ForceClearFileClaim drops the claim of a file regardless of the job
	// state. The file ends in the failure status of the claimed kind. When
	// jobID is set, only a claim held by that job is dropped.
	ForceClearFileClaim(_ context.Context, uid types.FileUIDType, jobID types.JobIDType) (*FileModel, bool, error)
}

// FileModel is the persisted pipeline state of a file.
type FileModel struct {
	UID         types.FileUIDType `gorm:"column:uid;type:uuid;primaryKey" json:"uid"`
	Name        string            `gorm:"column:name;size:255;not null" json:"name"`
	Collection  string            `gorm:"column:collection;size:255;not null" json:"collection"`
	Bucket      string            `gorm:"column:bucket;size:255;not null" json:"bucket"`
	StorageKey  string            `gorm:"column:storage_key;size:1024;not null" json:"storage_key"`
	ContentType string            `gorm:"column:content_type;size:255;not null" json:"content_type"`
	Status      types.FileStatus  `gorm:"column:status;size:32;not null" json:"status"`
	// Progress counters are percentages, or -1 when the stage never ran.
	ParseProgress   float64                               `gorm:"column:parse_progress;not null;default:-1" json:"parse_progress"`
	IndexProgress   float64                               `gorm:"column:index_progress;not null;default:-1" json:"index_progress"`
	ClaimedTaskID   *string                               `gorm:"column:claimed_task_id;size:255" json:"claimed_task_id,omitempty"`
	ClaimedTaskKind *string                               `gorm:"column:claimed_task_kind;size:32" json:"claimed_task_kind,omitempty"`
	IndexStale      bool                                  `gorm:"column:index_stale;not null;default:false" json:"index_stale"`
	ExtraMetaData   datatypes.JSONType[FileExtraMetaData] `gorm:"column:extra_meta_data" json:"extra_meta_data"`
	CreateTime      time.Time                             `gorm:"column:create_time;not null;autoCreateTime" json:"create_time"`
	UpdateTime      time.Time                             `gorm:"column:update_time;not null;autoUpdateTime" json:"update_time"`
	DeleteTime      gorm.DeletedAt                        `gorm:"column:delete_time;index" json:"-"`
}

// TableName overrides the default table name for GORM
func (FileModel) TableName() string {
	return FileTableName
}

// BeforeCreate assigns the file UID.
func (f *FileModel) BeforeCreate(*gorm.DB) error {
	if f.UID.IsNil() {
		uid, err := uuid.NewV4()
		if err != nil {
			return err
		}
		f.UID = uid
	}
	return nil
}

// ClaimKind returns the kind of the claimed task, if any.
func (f FileModel) ClaimKind() (types.TaskKind, bool) {
	if f.ClaimedTaskKind == nil {
		return "", false
	}
	return types.TaskKind(*f.ClaimedTaskKind), true
}

// FileExtraMetaData holds auxiliary, schemaless file information.
type FileExtraMetaData struct {
	FailReason string `json:"fail_reason,omitempty"`
	// TaskDuration of the last finished task, in seconds.
	TaskDuration float64 `json:"task_duration,omitempty"`
}

// FileColumns lists the file table columns.
type FileColumns struct {
	UID             string
	Name            string
	Collection      string
	Bucket          string
	StorageKey      string
	ContentType     string
	Status          string
	ParseProgress   string
	IndexProgress   string
	ClaimedTaskID   string
	ClaimedTaskKind string
	IndexStale      string
	ExtraMetaData   string
	CreateTime      string
	UpdateTime      string
	DeleteTime      string
}

// FileColumn is the table columns map.
var FileColumn = FileColumns{
	UID:             "uid",
	Name:            "name",
	Collection:      "collection",
	Bucket:          "bucket",
	StorageKey:      "storage_key",
	ContentType:     "content_type",
	Status:          "status",
	ParseProgress:   "parse_progress",
	IndexProgress:   "index_progress",
	ClaimedTaskID:   "claimed_task_id",
	ClaimedTaskKind: "claimed_task_kind",
	IndexStale:      "index_stale",
	ExtraMetaData:   "extra_meta_data",
	CreateTime:      "create_time",
	UpdateTime:      "update_time",
	DeleteTime:      "delete_time",
}

// progressColumn returns the progress counter written by a task kind.
func progressColumn(kind types.TaskKind) (string, error) {
	switch kind {
	case types.TaskKindParse:
		return FileColumn.ParseProgress, nil
	case types.TaskKindIndex:
		return FileColumn.IndexProgress, nil
	}
	return "", fmt.Errorf("task kind %q has no progress counter: %w", kind, errorsx.ErrInvalidArgument)
}

// FileUpdate is a partial update. Nil fields are left untouched.
type FileUpdate struct {
	Status        *types.FileStatus
	ParseProgress *float64
	IndexProgress *float64
	IndexStale    *bool
	// Claim records a task claim. It takes precedence over ClearClaim.
	Claim      *FileClaim
	ClearClaim bool
}

// FileClaim identifies the job responsible for the next transition of a
// file.
type FileClaim struct {
	TaskID types.JobIDType
	Kind   types.TaskKind
}

func (u FileUpdate) toMap() map[string]any {
	m := map[string]any{}
	if u.Status != nil {
		m[FileColumn.Status] = string(*u.Status)
	}
	if u.ParseProgress != nil {
		m[FileColumn.ParseProgress] = *u.ParseProgress
	}
	if u.IndexProgress != nil {
		m[FileColumn.IndexProgress] = *u.IndexProgress
	}
	if u.IndexStale != nil {
		m[FileColumn.IndexStale] = *u.IndexStale
	}
	switch {
	case u.Claim != nil:
		m[FileColumn.ClaimedTaskID] = u.Claim.TaskID
		m[FileColumn.ClaimedTaskKind] = string(u.Claim.Kind)
	case u.ClearClaim:
		m[FileColumn.ClaimedTaskID] = nil
		m[FileColumn.ClaimedTaskKind] = nil
	}
	return m
}

func (r *repository) CreateFile(ctx context.Context, f FileModel) (*FileModel, error) {
	f.Status = types.FileStatusUploaded
	f.ParseProgress = types.ProgressNotStarted
	f.IndexProgress = types.ProgressNotStarted
	f.ClaimedTaskID = nil
	f.ClaimedTaskKind = nil

	if err := r.db.WithContext(ctx).Create(&f).Error; err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	return &f, nil
}

func (r *repository) GetFile(ctx context.Context, uid types.FileUIDType) (*FileModel, error) {
	var f FileModel
	err := r.db.WithContext(ctx).Where(FileColumn.UID+" = ?", uid).First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("file %s: %w", uid, errorsx.ErrNotFound)
		}
		return nil, fmt.Errorf("fetching file: %w", err)
	}
	return &f, nil
}

func (r *repository) GetFilesByUIDs(ctx context.Context, uids []types.FileUIDType) ([]FileModel, error) {
	var files []FileModel
	if len(uids) == 0 {
		return files, nil
	}
	if err := r.db.WithContext(ctx).Where(FileColumn.UID+" IN ?", uids).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("fetching files: %w", err)
	}
	return files, nil
}

func (r *repository) GetFilesByClaimedTaskID(ctx context.Context, jobID types.JobIDType) ([]FileModel, error) {
	var files []FileModel
	if err := r.db.WithContext(ctx).Where(FileColumn.ClaimedTaskID+" = ?", jobID).Find(&files).Error; err != nil {
		return nil, fmt.Errorf("fetching files by claimed task: %w", err)
	}
	return files, nil
}

func (r *repository) ListFiles(ctx context.Context, collection string) ([]FileModel, error) {
	var files []FileModel
	q := r.db.WithContext(ctx).Order(FileColumn.CreateTime + " DESC")
	if collection != "" {
		q = q.Where(FileColumn.Collection+" = ?", collection)
	}
	if err := q.Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	return files, nil
}

func (r *repository) ListClaimedFiles(ctx context.Context) ([]FileModel, error) {
	var files []FileModel
	err := r.db.WithContext(ctx).
		Where(FileColumn.ClaimedTaskID + " IS NOT NULL").
		Order(FileColumn.UpdateTime).
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("listing claimed files: %w", err)
	}
	return files, nil
}

func (r *repository) UpdateFiles(ctx context.Context, uids []types.FileUIDType, u FileUpdate) (int64, error) {
	m := u.toMap()
	if len(uids) == 0 || len(m) == 0 {
		return 0, nil
	}

	res := r.db.WithContext(ctx).Model(&FileModel{}).Where(FileColumn.UID+" IN ?", uids).Updates(m)
	if res.Error != nil {
		return 0, fmt.Errorf("updating files: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) DeleteFile(ctx context.Context, uid types.FileUIDType) error {
	res := r.db.WithContext(ctx).
		Where(FileColumn.UID+" = ? AND "+FileColumn.ClaimedTaskID+" IS NULL", uid).
		Delete(&FileModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting file: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Tell a missing file from a claimed one.
	if _, err := r.GetFile(ctx, uid); err != nil {
		return err
	}
	return domainerrors.ErrClaimed
}

func statusStrings(statuses []types.FileStatus) []string {
	s := make([]string, len(statuses))
	for i, st := range statuses {
		s[i] = string(st)
	}
	return s
}

func (r *repository) ClaimFileTask(ctx context.Context, uid types.FileUIDType, kind types.TaskKind, jobID types.JobIDType) error {
	if !kind.IsValid() {
		return fmt.Errorf("claiming task of kind %q: %w", kind, errorsx.ErrInvalidArgument)
	}
	progressCol, err := progressColumn(kind)
	if err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&FileModel{}).
		Where(FileColumn.UID+" = ?", uid).
		Where(FileColumn.ClaimedTaskID + " IS NULL").
		Where(FileColumn.Status+" IN ?", statusStrings(kind.ClaimableFrom())).
		Updates(map[string]any{
			FileColumn.Status:          string(kind.InProgress()),
			progressCol:                0,
			FileColumn.ClaimedTaskID:   jobID,
			FileColumn.ClaimedTaskKind: string(kind),
		})
	if res.Error != nil {
		return fmt.Errorf("claiming file: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	f, err := r.GetFile(ctx, uid)
	if err != nil {
		return err
	}
	if f.ClaimedTaskID != nil {
		return fmt.Errorf("file %s claimed by %s: %w", uid, *f.ClaimedTaskID, domainerrors.ErrAlreadyClaimed)
	}
	return errorsx.AddMessage(
		fmt.Errorf("claiming %s task on %s file: %w", kind, f.Status, domainerrors.ErrInvalidTransition),
		fmt.Sprintf("A file with status %s can't be submitted for %s.", f.Status, kind),
	)
}

func (r *repository) ApplyFileProgress(ctx context.Context, uid types.FileUIDType, kind types.TaskKind, percent float64) (bool, error) {
	progressCol, err := progressColumn(kind)
	if err != nil {
		return false, err
	}
	percent = min(max(percent, 0), 100)

	// The comparison keeps the counter at max(stored, percent) so late or
	// duplicated events never move it backwards.
	res := r.db.WithContext(ctx).Model(&FileModel{}).
		Where(FileColumn.UID+" = ?", uid).
		Where(progressCol+" < ?", percent).
		Update(progressCol, percent)
	if res.Error != nil {
		return false, fmt.Errorf("applying progress: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	if _, err := r.GetFile(ctx, uid); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repository) OverwriteFileStatus(ctx context.Context, uids []types.FileUIDType, status types.FileStatus, jobID types.JobIDType) (int64, error) {
	if !status.IsValid() || status.IsTransient() {
		return 0, fmt.Errorf("overwriting status with %q: %w", status, errorsx.ErrInvalidArgument)
	}
	if len(uids) == 0 {
		return 0, nil
	}

	q := r.db.WithContext(ctx).Model(&FileModel{}).Where(FileColumn.UID+" IN ?", uids)
	if jobID != "" {
		q = q.Where("("+FileColumn.ClaimedTaskID+" = ? OR "+FileColumn.ClaimedTaskID+" IS NULL)", jobID)
	}

	res := q.Updates(FileUpdate{Status: &status, ClearClaim: true}.toMap())
	if res.Error != nil {
		return 0, fmt.Errorf("overwriting file status: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *repository) SetFileIndexStale(ctx context.Context, uids []types.FileUIDType, stale bool) (int64, error) {
	return r.UpdateFiles(ctx, uids, FileUpdate{IndexStale: &stale})
}

func (r *repository) FailClaimedTask(ctx context.Context, jobID types.JobIDType, reason string) ([]FileModel, error) {
	logger, _ := logx.GetZapLogger(ctx)
	logger = logger.With(zap.String("jobID", jobID))

	files, err := r.GetFilesByClaimedTaskID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	changed := make([]FileModel, 0, len(files))
	for _, f := range files {
		ok, err := r.releaseClaim(ctx, &f, jobID, reason)
		if err != nil {
			return changed, err
		}
		if !ok {
			logger.Info("Claim released concurrently", zap.String("fileUID", f.UID.String()))
			continue
		}
		changed = append(changed, f)
	}

	return changed, nil
}

func (r *repository) ForceClearFileClaim(ctx context.Context, uid types.FileUIDType, jobID types.JobIDType) (*FileModel, bool, error) {
	f, err := r.GetFile(ctx, uid)
	if err != nil {
		return nil, false, err
	}
	if f.ClaimedTaskID == nil {
		return f, false, nil
	}
	if jobID == "" {
		jobID = *f.ClaimedTaskID
	} else if *f.ClaimedTaskID != jobID {
		return f, false, nil
	}

	ok, err := r.releaseClaim(ctx, f, jobID, "task claim cleared by operator")
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// The claim changed between the read and the update.
		f, err = r.GetFile(ctx, uid)
		return f, false, err
	}
	return f, true, nil
}

// releaseClaim applies the terminal failure transition to f as long as it is
// still claimed by jobID. On success f reflects the new state.
func (r *repository) releaseClaim(ctx context.Context, f *FileModel, jobID types.JobIDType, reason string) (bool, error) {
	logger, _ := logx.GetZapLogger(ctx)

	status := f.Status
	if kind, ok := f.ClaimKind(); ok && kind.IsValid() {
		status = kind.Failed()
	} else if kind, ok := types.TaskKindFromStatus(f.Status); ok {
		// A claim without kind breaks the entity invariants. The status still
		// tells which stage was running.
		logger.Error("Claimed file has no task kind",
			zap.String("fileUID", f.UID.String()),
			zap.String("jobID", jobID),
			zap.String("status", string(f.Status)))
		status = kind.Failed()
	} else {
		logger.Error("Claimed file has no task kind and a settled status, clearing claim only",
			zap.String("fileUID", f.UID.String()),
			zap.String("jobID", jobID),
			zap.String("status", string(f.Status)))
	}

	md := f.ExtraMetaData.Data()
	md.FailReason = reason

	update := FileUpdate{Status: &status, ClearClaim: true}.toMap()
	update[FileColumn.ExtraMetaData] = datatypes.NewJSONType(md)

	res := r.db.WithContext(ctx).Model(&FileModel{}).
		Where(FileColumn.UID+" = ? AND "+FileColumn.ClaimedTaskID+" = ?", f.UID, jobID).
		Updates(update)
	if res.Error != nil {
		return false, fmt.Errorf("releasing claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	f.Status = status
	f.ClaimedTaskID = nil
	f.ClaimedTaskKind = nil
	f.ExtraMetaData = datatypes.NewJSONType(md)
	return true, nil
}

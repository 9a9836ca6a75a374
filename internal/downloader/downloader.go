// Package downloader runs one downloader job: it transfers the job's files
// group by group, records their metadata, then fans out processor jobs.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"data-refinery/internal/models"
	"data-refinery/internal/storage"
	"data-refinery/internal/store"
	"data-refinery/internal/telemetry"
)

var (
	// ErrAlreadyStarted means another invocation owns the job or it is resolved.
	ErrAlreadyStarted = errors.New("downloader job already started or resolved")
	// ErrJobFailed is returned after a failure outcome has been recorded.
	ErrJobFailed = errors.New("downloader job failed")
)

// Store is the part of the job store a download touches.
type Store interface {
	GetDownloaderJob(ctx context.Context, id string) (models.DownloaderJob, error)
	StartJob(ctx context.Context, kind models.JobKind, id string) (bool, error)
	SetJobOutcome(ctx context.Context, kind models.JobKind, id string, success bool, reason string) (bool, error)
	EndJob(ctx context.Context, kind models.JobKind, id string) error
	AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) (bool, error)

	FilesForDownloaderJob(ctx context.Context, jobID string) ([]models.OriginalFile, error)
	MarkOriginalFileDownloaded(ctx context.Context, f models.OriginalFile) error
	CreateOriginalFile(ctx context.Context, f models.OriginalFile) (models.OriginalFile, error)
	DerivedFiles(ctx context.Context, sourceIDs []string, variant string) ([]models.OriginalFile, error)
	CreateProcessorJob(ctx context.Context, p store.CreateProcessorJobParams) (models.ProcessorJob, bool, error)
}

// Dispatcher submits processor jobs created by fan-out.
type Dispatcher interface {
	DispatchProcessorJob(ctx context.Context, job models.ProcessorJob) error
}

// Options configures a Downloader. Zero values fall back to defaults.
type Options struct {
	RootDir    string
	Timeout    time.Duration
	Transferer Transferer
	Archiver   storage.Archiver
	Logger     *slog.Logger
}

// Downloader executes downloader jobs on local disk.
type Downloader struct {
	store      Store
	dispatcher Dispatcher
	transfer   Transferer
	archive    storage.Archiver
	rootDir    string
	timeout    time.Duration
	log        *slog.Logger
}

// New builds a Downloader.
func New(st Store, d Dispatcher, opts Options) *Downloader {
	if opts.RootDir == "" {
		opts.RootDir = "/home/user/data_store"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Hour
	}
	if opts.Transferer == nil {
		opts.Transferer = NewHTTPTransferer(opts.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{
		store:      st,
		dispatcher: d,
		transfer:   opts.Transferer,
		archive:    opts.Archiver,
		rootDir:    opts.RootDir,
		timeout:    opts.Timeout,
		log:        opts.Logger,
	}
}

// fileGroup is the set of files sharing one dataset identifier.
type fileGroup struct {
	identifier string
	files      []models.OriginalFile
}

func groupFiles(files []models.OriginalFile) []fileGroup {
	byID := make(map[string][]models.OriginalFile)
	for _, f := range files {
		id := f.DatasetIdentifier()
		byID[id] = append(byID[id], f)
	}
	groups := make([]fileGroup, 0, len(byID))
	for id, fs := range byID {
		sort.Slice(fs, func(a, b int) bool { return fs[a].SourceFilename < fs[b].SourceFilename })
		groups = append(groups, fileGroup{identifier: id, files: fs})
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].identifier < groups[b].identifier })
	return groups
}

// localPath joins elems under root. Each element must be a single plain name,
// so the result never leaves root.
func localPath(root string, elems ...string) (string, error) {
	for _, e := range elems {
		if e == "" || e == "." || e == ".." || strings.ContainsAny(e, `/\`) {
			return "", fmt.Errorf("unsafe path element %q", e)
		}
	}
	return filepath.Join(append([]string{root}, elems...)...), nil
}

// Run executes the downloader job with id. The job's end time is written on
// every path once the job has been started, including panics.
func (d *Downloader) Run(ctx context.Context, id string) (err error) {
	job, err := d.store.GetDownloaderJob(ctx, id)
	if err != nil {
		return fmt.Errorf("load downloader job %s: %w", id, err)
	}
	log := d.log.With(slog.String("job_id", id), slog.String("task", string(job.DownloaderTask)))

	started, err := d.store.StartJob(ctx, models.KindDownloader, id)
	if err != nil {
		return fmt.Errorf("start downloader job %s: %w", id, err)
	}
	if !started {
		log.Warn("downloader job already started or resolved, not running it again")
		return ErrAlreadyStarted
	}

	// Finalization must survive cancellation of the caller's context.
	finalCtx := context.WithoutCancel(ctx)
	resolved := false
	reason := "Downloader job exited without recording an outcome"
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("unexpected fault: %v", r)
			log.Error("downloader job panicked", slog.Any("panic", r))
			err = fmt.Errorf("downloader job %s: %s", id, reason)
		}
		if !resolved {
			d.recordFailure(finalCtx, log, id, reason)
			if err == nil {
				err = ErrJobFailed
			}
		}
		if endErr := d.store.EndJob(finalCtx, models.KindDownloader, id); endErr != nil {
			log.Error("recording end time failed", slog.Any("error", endErr))
		}
	}()

	rule, err := models.FanOutRuleFor(job.DownloaderTask)
	if err != nil {
		reason = err.Error()
		return ErrJobFailed
	}
	files, err := d.store.FilesForDownloaderJob(ctx, id)
	if err != nil {
		reason = fmt.Sprintf("Failed to load files for downloader job: %v", err)
		return ErrJobFailed
	}
	if len(files) == 0 {
		reason = "Downloader job has no associated files"
		return ErrJobFailed
	}

	derived := make(map[string][]string)
	for _, group := range groupFiles(files) {
		out, failure := d.downloadGroup(ctx, rule, group)
		if failure != "" {
			reason = failure
			log.Error("download group failed, skipping remaining groups",
				slog.String("dataset", group.identifier), slog.String("reason", failure))
			return ErrJobFailed
		}
		for variant, ids := range out {
			derived[variant] = append(derived[variant], ids...)
		}
	}

	won, err := d.store.SetJobOutcome(finalCtx, models.KindDownloader, id, true, "")
	if err != nil {
		reason = fmt.Sprintf("Failed to record success: %v", err)
		return ErrJobFailed
	}
	resolved = true
	if !won {
		log.Warn("downloader job was resolved elsewhere before it finished, skipping fan-out")
		return nil
	}
	if _, err := d.store.AppendEvent(finalCtx, models.KindDownloader, id, models.EventSucceeded, ""); err != nil {
		log.Warn("recording success event failed", slog.Any("error", err))
	}
	log.Info("downloader job succeeded", slog.Int("files", len(files)))

	primaryIDs := make([]string, 0, len(files))
	for _, f := range files {
		primaryIDs = append(primaryIDs, f.ID)
	}
	d.fanOut(finalCtx, log, id, rule, primaryIDs, derived)
	return nil
}

// downloadGroup transfers every file of group before committing any of their
// metadata. The returned map lists derived file ids per variant name; a
// non-empty failure is the reason the job failed.
func (d *Downloader) downloadGroup(ctx context.Context, rule models.FanOutRule, group fileGroup) (map[string][]string, string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	dirName := group.identifier + rule.DirSuffix(rule.Primary())
	dir, err := localPath(d.rootDir, dirName)
	if err != nil {
		return nil, fmt.Sprintf("Refusing to download dataset %q: %v", group.identifier, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Sprintf("Failed to create directory %s: %v", dir, err)
	}

	pending := make([]models.OriginalFile, 0, len(group.files))
	for _, f := range group.files {
		path, err := localPath(d.rootDir, dirName, f.BaseName())
		if err != nil {
			return nil, fmt.Sprintf("Refusing to download file %q: %v", f.SourceFilename, err)
		}
		if err := fetchToFile(ctx, d.transfer, f.SourceURL, path); err != nil {
			return nil, fmt.Sprintf("Exception caught while downloading file from: %s: %v", f.SourceURL, err)
		}
		size, sum, err := checksum(path)
		if err != nil {
			return nil, fmt.Sprintf("Failed to checksum %s: %v", path, err)
		}
		f.Filename = filepath.Base(path)
		f.AbsoluteFilePath = path
		f.Size = size
		f.SHA1 = sum
		f.HasRaw = true
		f.IsDownloaded = true
		pending = append(pending, f)
	}

	derived := make(map[string][]string)
	for _, f := range pending {
		if err := d.store.MarkOriginalFileDownloaded(ctx, f); err != nil {
			return nil, fmt.Sprintf("Failed to record download of %s: %v", f.SourceFilename, err)
		}
		telemetry.DownloadedBytes.Add(float64(f.Size))
		d.archiveFile(ctx, f)

		for _, v := range rule.Variants {
			if !v.Derived {
				continue
			}
			copyID, err := d.deriveCopy(ctx, rule, group.identifier, v, f)
			if err != nil {
				return nil, fmt.Sprintf("Failed to create %s copy of %s: %v", v.Name, f.SourceFilename, err)
			}
			derived[v.Name] = append(derived[v.Name], copyID)
		}
	}
	return derived, ""
}

// deriveCopy duplicates src into the variant's directory and records the copy
// with metadata computed from the copy itself. A copy recorded by an earlier
// attempt is updated in place.
func (d *Downloader) deriveCopy(ctx context.Context, rule models.FanOutRule, identifier string, v models.Variant, src models.OriginalFile) (string, error) {
	path, err := localPath(d.rootDir, identifier+rule.DirSuffix(v), src.Filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := copyFile(src.AbsoluteFilePath, path); err != nil {
		return "", err
	}
	size, sum, err := checksum(path)
	if err != nil {
		return "", err
	}

	dup := models.OriginalFile{
		SourceURL:        src.SourceURL,
		SourceFilename:   src.SourceFilename,
		Filename:         src.Filename,
		AbsoluteFilePath: path,
		Size:             size,
		SHA1:             sum,
		IsDownloaded:     true,
		IsArchive:        src.IsArchive,
		HasRaw:           true,
		DerivedFromID:    models.String(src.ID),
		Variant:          v.Name,
	}
	existing, err := d.store.DerivedFiles(ctx, []string{src.ID}, v.Name)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		dup.ID = existing[0].ID
		if err := d.store.MarkOriginalFileDownloaded(ctx, dup); err != nil {
			return "", err
		}
		return dup.ID, nil
	}
	created, err := d.store.CreateOriginalFile(ctx, dup)
	if err != nil {
		return "", err
	}
	d.archiveFile(ctx, created)
	return created.ID, nil
}

func (d *Downloader) archiveFile(ctx context.Context, f models.OriginalFile) {
	if d.archive == nil {
		return
	}
	key := filepath.ToSlash(filepath.Join(filepath.Base(filepath.Dir(f.AbsoluteFilePath)), f.Filename))
	uri, err := d.archive.Archive(ctx, key, f.AbsoluteFilePath)
	if err != nil {
		d.log.Warn("archiving raw file failed", slog.String("file_id", f.ID), slog.Any("error", err))
		return
	}
	d.log.Debug("archived raw file", slog.String("file_id", f.ID), slog.String("uri", uri))
}

// fanOut creates and dispatches one processor job per variant. Dispatch
// failures are left for the foreman's missing-handle pass.
func (d *Downloader) fanOut(ctx context.Context, log *slog.Logger, jobID string, rule models.FanOutRule, primaryIDs []string, derived map[string][]string) {
	for _, v := range rule.Variants {
		fileIDs := primaryIDs
		if v.Derived {
			fileIDs = derived[v.Name]
		}
		pj, created, err := d.store.CreateProcessorJob(ctx, store.CreateProcessorJobParams{
			DownloaderJobID: jobID,
			Pipeline:        v.Pipeline,
			RAMAmount:       v.RAMAmount,
			FileIDs:         fileIDs,
		})
		if err != nil {
			log.Error("creating processor job failed", slog.String("pipeline", string(v.Pipeline)), slog.Any("error", err))
			continue
		}
		if created {
			telemetry.JobsCreated.WithLabelValues("downloader").Inc()
		}
		if err := d.dispatcher.DispatchProcessorJob(ctx, pj); err != nil {
			log.Warn("dispatching processor job failed, foreman will requeue",
				slog.String("processor_job_id", pj.ID), slog.Any("error", err))
		}
	}
}

func (d *Downloader) recordFailure(ctx context.Context, log *slog.Logger, id, reason string) {
	won, err := d.store.SetJobOutcome(ctx, models.KindDownloader, id, false, reason)
	if err != nil {
		log.Error("recording failure failed", slog.String("reason", reason), slog.Any("error", err))
		return
	}
	if !won {
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(models.KindDownloader), "download").Inc()
	if _, err := d.store.AppendEvent(ctx, models.KindDownloader, id, models.EventFailed, reason); err != nil {
		log.Warn("recording failure event failed", slog.Any("error", err))
	}
}

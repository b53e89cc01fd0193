package dispatcher

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"queryprocessor/internal/exporter"
	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
	"queryprocessor/internal/runner"
	"queryprocessor/internal/store"
	"queryprocessor/internal/telemetry"
	"queryprocessor/internal/transfer"
)

// runWorker drives one claimed job from running through to a terminal
// status: Query Runner → Exporter → (if ssh_target is set) transition to
// transferring + Transfer Agent → completed. It releases the job's gate
// permit and per-user slot on every exit path, since both were acquired at
// promotion/claim time and are held across the whole sequence.
func (d *Dispatcher) runWorker(parent context.Context, job models.Job) {
	defer d.wg.Done()
	defer d.gate.Release()
	defer d.slots.Release(job.UserID)

	ctx, cancel := context.WithTimeout(parent, d.cfg.JobTimeout)
	defer cancel()

	result, err := d.execute(ctx, job)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = jobserr.New(jobserr.Timeout, "job exceeded wall-clock budget", err)
		}
		kind := jobserr.Classify(err)
		msg := err.Error()
		telemetry.JobsFailed.WithLabelValues(string(kind)).Inc()
		if terr := d.store.Transition(context.WithoutCancel(parent), job.ID, models.StatusFailed, store.TransitionParams{
			ErrorMessage: &msg,
		}); terr != nil {
			log.Printf("job %s: transition to failed also failed: %v", job.ID, terr)
		}
		_ = d.store.AppendAudit(context.WithoutCancel(parent), job.ID, "failed", msg)
		return
	}

	telemetry.JobsCompleted.Inc()
	if terr := d.store.Transition(context.WithoutCancel(parent), job.ID, models.StatusCompleted, store.TransitionParams{
		Result: result,
	}); terr != nil {
		log.Printf("job %s: transition to completed failed: %v", job.ID, terr)
	}
	_ = d.store.AppendAudit(context.WithoutCancel(parent), job.ID, "completed", "")
}

// execute runs the query, exports it, and transfers it if requested,
// returning the result metadata to attach to the completed transition.
func (d *Dispatcher) execute(ctx context.Context, job models.Job) (*models.ResultMetadata, error) {
	chunks, errc := runner.Run(ctx, d.cfg.RunnerChunkSize, job.DBCredentials, job.QueryText)

	filename := job.ExportFilename
	if filename == "" {
		filename = fmt.Sprintf("%s_%s%s", job.ID, time.Now().UTC().Format("20060102T150405"), extensionFor(job.ExportType))
	}
	spoolDir := filepath.Join(d.cfg.SpoolRoot, job.UserID)

	expResult, err := exporter.Export(ctx, spoolDir, filename, job.ExportType, chunks, errc)
	if err != nil {
		return nil, err
	}

	result := &models.ResultMetadata{
		RowCount:    expResult.RowCount,
		ColumnCount: expResult.ColumnCount,
		ByteSize:    expResult.ByteSize,
		LocalPath:   expResult.LocalPath,
	}

	if job.SSHTarget != "" {
		if err := d.store.Transition(ctx, job.ID, models.StatusTransferring, store.TransitionParams{Result: result}); err != nil {
			return nil, jobserr.New(jobserr.Internal, "record transferring transition", err)
		}

		identity := d.resolveSSHIdentity(ctx, job)
		remoteDir := job.ExportLocation
		if remoteDir == "" {
			remoteDir = d.cfg.DefaultExportLocation
		}
		remoteName := filename
		if err := transfer.Upload(ctx, identity, expResult.LocalPath, transfer.Target{
			RemoteDir:  remoteDir,
			RemoteName: remoteName,
		}); err != nil {
			return nil, err
		}
		result.RemotePath = filepath.Join(remoteDir, remoteName)
	}

	if d.archiver.Enabled() {
		key := fmt.Sprintf("%s/%s", job.UserID, filename)
		if remote, err := d.archiver.Upload(ctx, expResult.LocalPath, key); err == nil {
			if result.RemotePath == "" {
				result.RemotePath = remote
			}
		}
	}

	return result, nil
}

// resolveSSHIdentity layers config defaults, the user's stored SSH settings,
// and the job's own target host, in that order of increasing precedence.
func (d *Dispatcher) resolveSSHIdentity(ctx context.Context, job models.Job) models.SSHIdentity {
	identity := models.SSHIdentity{
		Host:     d.cfg.DefaultSSHHost,
		Port:     d.cfg.DefaultSSHPort,
		Username: d.cfg.DefaultSSHUser,
		Password: d.cfg.DefaultSSHPassword,
	}
	if settings, ok, err := d.store.GetUserSettings(ctx, job.UserID); err == nil && ok {
		if settings.SSH.Host != "" {
			identity = settings.SSH
		}
	}
	if job.SSHTarget != "" {
		identity.Host = job.SSHTarget
	}
	return identity
}

func extensionFor(exportType string) string {
	switch exportType {
	case "csv":
		return ".csv"
	case "json":
		return ".json"
	case "excel":
		return ".xlsx"
	case "feather":
		return ".feather"
	default:
		return ""
	}
}

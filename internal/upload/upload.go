// Package upload implements the Upload Engine from spec.md §4.2-4.3:
// strategy selection (backend-stream/backend-form/presigned-single/
// presigned-multipart/single-session), the server-assisted multipart
// sub-protocol, and commit idempotence. Grounded on Perkeep's
// pkg/importer/importer.go (Host.upload's "fetch, hash, commit" shape,
// where commit is idempotent by content hash) and pkg/blobserver/receive.go
// (Receive/ReceiveString wrapping a raw ReceiveBlob with validation),
// generalized from "one way to receive a blob" to spec.md §4.2's explicit
// capability-driven strategy ladder.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/ledger"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/session"
)

// Strategy mirrors spec.md §4.2's chosen upload strategy for a request.
type Strategy string

const (
	StrategyBackendStream    Strategy = "backend-stream"
	StrategyBackendForm      Strategy = "backend-form"
	StrategyPresignedSingle  Strategy = "presigned-single"
	StrategyPresignedMulti   Strategy = "presigned-multipart"
)

// fallbackOrder is spec.md §4.2 step 1's explicit fallback chain.
var fallbackOrder = []Strategy{StrategyPresignedMulti, StrategyPresignedSingle, StrategyBackendStream, StrategyBackendForm}

func capabilitySupports(caps driver.FSCapabilities, s Strategy) bool {
	switch s {
	case StrategyPresignedMulti:
		return caps.Multipart
	case StrategyPresignedSingle:
		return caps.PresignedSingle
	case StrategyBackendStream:
		return caps.BackendStream
	case StrategyBackendForm:
		return caps.BackendForm
	}
	return false
}

// ChooseStrategy resolves the upload strategy for a request per spec.md
// §4.2 step 1: intersect the requested mode with driver capability, and if
// unsupported fall back through presigned-multipart -> presigned-single ->
// backend-stream -> backend-form.
func ChooseStrategy(caps driver.FSCapabilities, requested Strategy) (Strategy, error) {
	if requested != "" && capabilitySupports(caps, requested) {
		return requested, nil
	}
	for _, s := range fallbackOrder {
		if capabilitySupports(caps, s) {
			return s, nil
		}
	}
	return "", cerr.New(cerr.InvalidInput, "no upload strategy supported by driver")
}

// ProgressFunc is invoked at most once per 100ms while the body is read,
// and on completion, for backend-stream/backend-form transfers, per
// spec.md §4.2 step 2.
type ProgressFunc func(bytesTransferred, totalBytes int64)

// progressReader wraps a reader, calling fn on completion and at most once
// per 100ms in between, matching spec.md's "every >=100ms and on
// completion" cadence without spamming the callback per chunk.
type progressReader struct {
	io.Reader
	total    int64
	read     int64
	fn       ProgressFunc
	lastSent time.Time
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.Reader.Read(buf)
	p.read += int64(n)
	if p.fn != nil && (time.Since(p.lastSent) >= 100*time.Millisecond || err == io.EOF) {
		p.fn(p.read, p.total)
		p.lastSent = time.Now()
	}
	return n, err
}

// Engine orchestrates upload-session lifecycle per spec.md §4.2-4.3.
type Engine struct {
	Sessions *session.Manager
	Log      logging.Logger

	signGroup    singleflight.Group // dedups concurrent SignParts per uploadId, per spec.md §4.3
	memLedger    *ledger.MemoryLedger
	ledgerForPolicy func(driver.PartsLedgerPolicy) ledger.Ledger
}

// NewEngine builds an Engine. ledgerForPolicy resolves the Ledger
// implementation for a driver-advertised policy (internal/ledger.ForPolicy
// bound to the caller's *sql.DB), kept as a func so Engine doesn't import
// database/sql directly.
func NewEngine(sessions *session.Manager, log logging.Logger, ledgerForPolicy func(driver.PartsLedgerPolicy) ledger.Ledger) *Engine {
	return &Engine{
		Sessions:        sessions,
		Log:             log.Component("upload"),
		memLedger:       ledger.NewMemoryLedger(),
		ledgerForPolicy: ledgerForPolicy,
	}
}

func (e *Engine) ledgerFor(policy driver.PartsLedgerPolicy) ledger.Ledger {
	if e.ledgerForPolicy != nil {
		return e.ledgerForPolicy(policy)
	}
	return e.memLedger
}

// StreamUpload implements backend-stream/backend-form: forward the body
// straight to the driver's Write, reporting progress per spec.md §4.2
// step 2.
func (e *Engine) StreamUpload(ctx context.Context, sto driver.Storage, path string, r io.Reader, size int64, contentType string, progress ProgressFunc) (driver.WriteResult, error) {
	pr := &progressReader{Reader: r, total: size, fn: progress}
	wr, err := sto.Write(ctx, path, pr, size, driver.WriteOptions{ContentType: contentType})
	if progress != nil {
		progress(pr.read, size)
	}
	return wr, err
}

// PresignSingleResult is the payload returned to the client for
// presigned-single uploads, per spec.md §4.2 step 3.
type PresignSingleResult struct {
	URL        string
	Headers    map[string]string
	SkipUpload bool
	Sha256     string
}

// PresignSingle requires the client-computed sha256 when the driver demands
// one for presign (it checks only that the value is present, per spec.md
// §4.2) and returns the presign payload.
func (e *Engine) PresignSingle(ctx context.Context, sto driver.Storage, presigner driver.Presigner, path string, size int64, contentType, clientSha256 string) (PresignSingleResult, error) {
	caps := sto.Capabilities()
	sha := ""
	if caps.Sha256RequiredForPresign {
		if clientSha256 == "" {
			return PresignSingleResult{}, cerr.New(cerr.InvalidInput, "sha256 required for presign on this driver").WithField("sha256")
		}
		sha = clientSha256
	}
	res, err := presigner.PresignSingle(ctx, path, size, contentType, sha)
	if err != nil {
		return PresignSingleResult{}, err
	}
	return PresignSingleResult{URL: res.URL, Headers: res.Headers, SkipUpload: res.SkipUpload, Sha256: res.Sha256}, nil
}

// CommitKey computes the idempotence key for commitPresigned calls, per
// spec.md §4.2: "keyed by (target_path, sha256|etag)".
func CommitKey(targetPath, sha256OrETag string) string {
	return targetPath + "|" + sha256OrETag
}

// Commit calls CommitPresigned idempotently: repeat calls with the same
// (targetPath, sha256|etag) are no-ops after the first succeeds (the
// driver's own CommitPresigned implementation carries that guarantee, per
// spec.md §4.2's "commit calls keyed by (target_path, sha256|etag) and
// tolerate retry").
func (e *Engine) Commit(ctx context.Context, presigner driver.Presigner, targetPath, etag, contentType string, size int64) error {
	return presigner.CommitPresigned(ctx, targetPath, etag, contentType, size)
}

// InitMultipart wraps driver.InitMultipart, registering the resulting
// session in the SessionManager per spec.md §4.3's Init description.
func (e *Engine) InitMultipart(ctx context.Context, mp driver.Multiparter, fileID, mountID, storageConfigID, targetPath, storageKey, contentType, clientSha256 string, size int64) (*session.Session, error) {
	res, err := mp.InitMultipart(ctx, storageKey, size, contentType, clientSha256)
	if err != nil {
		return nil, err
	}
	sess := &session.Session{
		FileID:            fileID,
		Strategy:          res.Strategy,
		UploadID:          res.UploadID,
		StorageKey:        storageKey,
		TargetPath:        targetPath,
		MountID:           mountID,
		StorageConfigID:   storageConfigID,
		PartSize:          res.PartSize,
		TotalParts:        res.TotalParts,
		PresignedURLs:     res.PresignedURLs,
		SessionDescriptor: res.Session,
		Policy:            res.Policy,
		Sha256:            clientSha256,
		SkipUpload:        res.SkipUpload,
	}
	e.Sessions.Put(sess)
	return sess, nil
}

// SignParts signs the requested part numbers, deduping concurrent
// requests for the same uploadId via singleflight per spec.md §4.3's
// "engine dedups concurrent sign requests per uploadId (single in-flight
// promise fan-out)".
func (e *Engine) SignParts(ctx context.Context, mp driver.Multiparter, storageKey, uploadID string, partNumbers []int) (driver.SignPartsResult, error) {
	key := uploadID
	v, err, _ := e.signGroup.Do(key, func() (interface{}, error) {
		return mp.SignParts(ctx, storageKey, uploadID, partNumbers)
	})
	if err != nil {
		return driver.SignPartsResult{}, err
	}
	return v.(driver.SignPartsResult), nil
}

// NextPartsToSign computes which PartNumbers to presign for a batched or
// on-demand signing_mode starting at startPn, bounded by
// max_parts_per_request, per spec.md §4.3.
func NextPartsToSign(startPn, totalParts, maxPerRequest int, mode driver.SigningMode) []int {
	if mode == driver.SigningOnDemand {
		if startPn > totalParts {
			return nil
		}
		return []int{startPn}
	}
	if maxPerRequest <= 0 {
		maxPerRequest = 1
	}
	end := startPn + maxPerRequest - 1
	if end > totalParts {
		end = totalParts
	}
	out := make([]int, 0, end-startPn+1)
	for n := startPn; n <= end; n++ {
		out = append(out, n)
	}
	return out
}

// PutPartWithRetry uploads one part, retrying with a fresh signature on a
// signature-expiry response per spec.md §4.3's scenario 4 and §7's
// "Signature-expiry during multipart PUT triggers re-sign and retry
// silently". putFn performs the actual HTTP PUT and returns the resulting
// ETag or an error classified by isExpired.
func (e *Engine) PutPartWithRetry(ctx context.Context, mp driver.Multiparter, storageKey, uploadID string, partNumber int, url string, policy driver.MultipartCapabilities, putFn func(ctx context.Context, url string) (etag string, err error), isExpired func(error) bool) (string, error) {
	attempt := 0
	delay := policy.RetryPolicy.BaseDelay
	if delay <= 0 {
		delay = driver.DefaultRetryPolicy.BaseDelay
	}
	maxAttempts := policy.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = driver.DefaultRetryPolicy.MaxAttempts
	}
	for {
		etag, err := putFn(ctx, url)
		if err == nil {
			return etag, nil
		}
		attempt++
		if !isExpired(err) || attempt >= maxAttempts {
			return "", err
		}
		signed, signErr := e.SignParts(ctx, mp, storageKey, uploadID, []int{partNumber})
		if signErr != nil {
			return "", signErr
		}
		if signed.ResetUploadedParts {
			return "", cerr.New(cerr.SessionExpired, "upload session was reset - please restart")
		}
		for _, pu := range signed.PresignedURLs {
			if pu.PartNumber == partNumber {
				url = pu.URL
				break
			}
		}
		cap := policy.RetryPolicy.MaxDelay
		if cap <= 0 {
			cap = driver.DefaultRetryPolicy.MaxDelay
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
}

// ByteRangeForPart computes the single-session Content-Range for a given
// PartNumber, per spec.md §4.3's "single-session specifics": [partSize*(n-1),
// min(partSize*n, totalSize)-1].
func ByteRangeForPart(partNumber int, partSize, totalSize int64) (start, end int64) {
	start = partSize * int64(partNumber-1)
	end = partSize*int64(partNumber) - 1
	if end > totalSize-1 {
		end = totalSize - 1
	}
	return start, end
}

// ContentRangeHeader renders the Content-Range header value for a part.
func ContentRangeHeader(start, end, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
}

// ListParts resolves the current parts view per spec.md §4.3's "ListParts
// (resume)": server_can_list queries the driver; client_keeps/
// server_records consult the ledger. If the driver reports a different
// live policy than expected, the ledger is re-selected accordingly.
func (e *Engine) ListParts(ctx context.Context, mp driver.Multiparter, storageKey, uploadID string, policy driver.PartsLedgerPolicy) ([]driver.CompletedPart, driver.PartsLedgerPolicy, error) {
	if policy == driver.LedgerServerCanList {
		res, err := mp.ListParts(ctx, storageKey, uploadID)
		if err != nil {
			return nil, policy, err
		}
		if res.Policy.PartsLedgerPolicy != "" && res.Policy.PartsLedgerPolicy != driver.LedgerServerCanList {
			l := e.ledgerFor(res.Policy.PartsLedgerPolicy)
			parts, err := l.ToCompleteParts(ctx, uploadID)
			return parts, res.Policy.PartsLedgerPolicy, err
		}
		return res.Parts, driver.LedgerServerCanList, nil
	}
	l := e.ledgerFor(policy)
	parts, err := l.ToCompleteParts(ctx, uploadID)
	return parts, policy, err
}

// Complete merges the client's incoming parts with the ledger, verifies
// contiguity and ETag presence (unless skipUpload), calls
// CompleteMultipart, then tears down the ledger and session, per spec.md
// §4.3's Complete description and §8's testable property: "the parts list
// sent to CompleteMultipart is a contiguous 1..N sequence where each entry
// has a non-empty ETag, unless skip_upload=true" and "after CompleteMultipart
// returns success, the UploadSession is absent from SessionManager".
func (e *Engine) Complete(ctx context.Context, mp driver.Multiparter, sess *session.Session, incoming []ledger.Part) (driver.WriteResult, error) {
	l := e.ledgerFor(sess.Policy.PartsLedgerPolicy)
	merged, err := l.MergeIncomingParts(ctx, sess.UploadID, incoming)
	if err != nil {
		return driver.WriteResult{}, err
	}
	parts := make([]driver.CompletedPart, len(merged))
	for i, p := range merged {
		parts[i] = driver.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag, Size: p.Size}
	}
	if !sess.SkipUpload {
		if err := verifyContiguous(parts, sess.TotalParts); err != nil {
			return driver.WriteResult{}, err
		}
	}
	wr, err := mp.CompleteMultipart(ctx, sess.StorageKey, sess.UploadID, parts)
	if err != nil {
		return driver.WriteResult{}, err
	}
	l.ClearInMemory(sess.UploadID)
	_ = l.ClearPersistent(ctx, sess.UploadID)
	e.Sessions.Remove(sess.FileID)
	return wr, nil
}

func verifyContiguous(parts []driver.CompletedPart, totalParts int) error {
	if totalParts > 0 && len(parts) != totalParts {
		return cerr.New(cerr.InvalidInput, "multipart complete: expected %d parts, got %d", totalParts, len(parts))
	}
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return cerr.New(cerr.InvalidInput, "multipart complete: parts must be a contiguous 1..N sequence, got gap at index %d (PartNumber %d)", i, p.PartNumber)
		}
		if p.ETag == "" {
			return cerr.New(cerr.InvalidInput, "multipart complete: part %d missing ETag", p.PartNumber)
		}
	}
	return nil
}

// Abort best-effort cancels the multipart upload, clears the ledger and
// removes the session; per spec.md §4.3 it "never raises".
func (e *Engine) Abort(ctx context.Context, mp driver.Multiparter, sess *session.Session) {
	if err := mp.AbortMultipart(ctx, sess.StorageKey, sess.UploadID); err != nil {
		e.Log.Warn().Err(err).Str("upload_id", sess.UploadID).Msg("abort multipart: driver returned error, ignoring per spec")
	}
	l := e.ledgerFor(sess.Policy.PartsLedgerPolicy)
	l.ClearInMemory(sess.UploadID)
	_ = l.ClearPersistent(ctx, sess.UploadID)
	e.Sessions.Remove(sess.FileID)
}

// Sha256Hex is a small helper for drivers/commit paths that need a local
// sha256 (e.g. verifying a client-declared hash against a buffered small
// share upload); large uploads never buffer fully to compute this.
func Sha256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Package driver defines the capability-typed storage-backend contract that
// every CloudPaste driver (S3, WebDAV, local disk, OneDrive, Google Drive,
// GitHub, Telegram, Discord, HuggingFace, mirror...) implements, per
// spec.md §4.1.
//
// The shape is grounded directly on Perkeep's pkg/blobserver/interface.go:
// small single-method interfaces (BlobReceiver, BlobStatter, BlobEnumerator,
// BlobRemover there) composed into a Storage interface, plus optional
// interfaces (MaxEnumerateConfig, Generationer there) that a driver may or
// may not implement, discovered with a type assertion rather than runtime
// reflection. Here the base operations are List/Stat/Read/Write/Delete/
// Mkdir/Rename/Copy and the optional interfaces are Presigner/Multiparter/
// QuotaReporter/DirectURLer.
package driver

import (
	"context"
	"io"
	"time"
)

// EntryType mirrors the IndexEntry.type enum from spec.md §3 (2=video,
// 5=image; other values reserved for future kinds).
type EntryType int

const (
	TypeOther EntryType = iota
	TypeDirectory
	TypeVideo
	TypeDocument
	TypeAudio
	TypeImage
	TypeArchive
)

// Entry describes a single file or directory returned by List/Stat.
type Entry struct {
	Key        string // s3_key: backend-relative path, no leading '/'
	Name       string
	Size       int64
	Type       EntryType
	ModifiedAt time.Time
	IsDir      bool
	ETag       string
}

// ListOptions parametrize List.
type ListOptions struct {
	Cursor string
	Limit  int
}

// ListResult is the outcome of List.
type ListResult struct {
	Entries    []Entry
	Truncated  bool
	NextCursor string
}

// ReadRange requests a byte range from Storage.Read; a driver's
// Capabilities().FS.Range reports whether it honors one.
type ReadRange struct {
	Start, End int64 // inclusive, End == -1 means "to EOF"
}

// ReadResult is the outcome of Read.
type ReadResult struct {
	Reader        io.ReadCloser
	ContentType   string
	Size          int64
	ETag          string
	ContentRange  string // set when a range was honored
}

// WriteOptions parametrize Write.
type WriteOptions struct {
	ContentType string
	// IfNoneMatch requests a conflict error if the target already exists,
	// used by drivers that support conditional PUT semantics.
	IfNoneMatch bool
}

// WriteResult is the outcome of Write.
type WriteResult struct {
	ETag string
}

// FSCapabilities describes which Storage-side FS operations a driver
// supports, per spec.md §4.1's `fs` capability dimension.
type FSCapabilities struct {
	BackendStream   bool
	BackendForm     bool
	PresignedSingle bool
	Multipart       bool
	List            bool
	Stat            bool
	Read            bool
	Range           bool
	Write           bool
	Delete          bool
	Rename          bool
	Copy            bool
	Mkdir           bool
	Quota           bool
}

// ShareCapabilities describes which upload modes a driver accepts for
// share (paste) uploads, per spec.md §4.1's `share` capability dimension.
type ShareCapabilities struct {
	BackendStream bool
	BackendForm   bool
	Presigned     bool
	URL           bool
}

// SigningMode enumerates how a driver signs multipart parts, per spec.md §4.3.
type SigningMode string

const (
	SigningEager    SigningMode = "eager"
	SigningBatched  SigningMode = "batched"
	SigningOnDemand SigningMode = "on_demand"
)

// MultipartStrategy enumerates the two multipart upload shapes from
// spec.md §4.3/GLOSSARY.
type MultipartStrategy string

const (
	StrategyPerPartURL    MultipartStrategy = "per_part_url"
	StrategySingleSession MultipartStrategy = "single_session"
)

// PartsLedgerPolicy enumerates the three ledger persistence policies from
// spec.md §4.3.
type PartsLedgerPolicy string

const (
	LedgerServerCanList  PartsLedgerPolicy = "server_can_list"
	LedgerClientKeeps    PartsLedgerPolicy = "client_keeps"
	LedgerServerRecords  PartsLedgerPolicy = "server_records"
)

// RetryPolicy bounds retries for transient upstream failures, per spec.md §7.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches spec.md §7's default (3 attempts, 200ms base,
// 5s cap, exponential backoff).
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// MultipartCapabilities describes a driver's multipart sub-capability, per
// spec.md §4.1.
type MultipartCapabilities struct {
	Strategy           MultipartStrategy
	PartsLedgerPolicy  PartsLedgerPolicy
	SigningMode        SigningMode
	ServerCanList      bool
	MaxPartsPerRequest int
	URLTTL             time.Duration
	RetryPolicy        RetryPolicy
	// PartSizeMin/Max clamp the part size the upload engine picks at
	// init time (spec.md §4.3's "part_size_bounds").
	PartSizeMin, PartSizeMax int64
}

// Capabilities is the full static capability descriptor a driver exposes;
// the upload engine selects strategies against this, never via reflection.
type Capabilities struct {
	FS        FSCapabilities
	Share     ShareCapabilities
	Multipart MultipartCapabilities

	// Sha256RequiredForPresign mirrors spec.md §4.1: HuggingFace LFS
	// requires the client to compute and submit a sha256 before a
	// presigned single PUT is issued.
	Sha256RequiredForPresign bool
	// ShareUploadModes lists which of stream/form the driver accepts for
	// share uploads specifically (may differ from FS capabilities).
	ShareUploadModes []string
}

// Storage is the interface every driver implements, per spec.md §4.1's
// mandatory operation list.
type Storage interface {
	// Name identifies the driver implementation, e.g. "s3", "local".
	Name() string
	Capabilities() Capabilities

	List(ctx context.Context, path string, opts ListOptions) (ListResult, error)
	Stat(ctx context.Context, path string) (Entry, error)
	Read(ctx context.Context, path string, rng *ReadRange) (ReadResult, error)
	Write(ctx context.Context, path string, r io.Reader, size int64, opts WriteOptions) (WriteResult, error)
	Delete(ctx context.Context, path string, recursive bool) error
	Mkdir(ctx context.Context, path string) error
	Rename(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string, skipExisting bool) error
}

// PresignResult is the outcome of PresignSingle.
type PresignResult struct {
	Method      string
	URL         string
	Headers     map[string]string
	Sha256      string
	SkipUpload  bool
}

// Presigner is the optional interface for drivers supporting
// presigned-single uploads.
type Presigner interface {
	PresignSingle(ctx context.Context, path string, size int64, contentType string, sha256 string) (PresignResult, error)
	// CommitPresigned finalizes post-PUT registration. Must be idempotent
	// by (targetPath, sha256|etag) per spec.md §4.2.
	CommitPresigned(ctx context.Context, targetPath string, etag string, contentType string, size int64) error
}

// PresignedURL is one part's signed upload URL plus its expiry, for
// per_part_url multipart.
type PresignedURL struct {
	PartNumber int
	URL        string
	ExpiresAt  time.Time
}

// UploadSessionDescriptor carries the single_session upload URL plus the
// server's view of which byte ranges remain, for drivers like OneDrive/
// Google Drive/Telegram/Discord.
type UploadSessionDescriptor struct {
	UploadURL            string
	NextExpectedRanges   []string
}

// InitMultipartResult is the outcome of InitMultipart.
type InitMultipartResult struct {
	Strategy      MultipartStrategy
	UploadID      string
	Key           string
	PartSize      int64
	TotalParts    int
	PresignedURLs []PresignedURL          // eager signing_mode, per_part_url strategy
	Session       *UploadSessionDescriptor // single_session strategy
	Policy        MultipartCapabilities
	SkipUpload    bool
}

// SignPartsResult is the outcome of SignParts.
type SignPartsResult struct {
	PresignedURLs      []PresignedURL
	Policy             MultipartCapabilities
	ResetUploadedParts bool
}

// CompletedPart is one uploaded part as reported back for CompleteMultipart.
type CompletedPart struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ListPartsResult is the outcome of ListParts.
type ListPartsResult struct {
	Parts  []CompletedPart
	Policy MultipartCapabilities
}

// Multiparter is the optional interface for drivers supporting
// server-assisted multipart uploads, per spec.md §4.1/§4.3.
type Multiparter interface {
	InitMultipart(ctx context.Context, path string, size int64, contentType string, sha256 string) (InitMultipartResult, error)
	SignParts(ctx context.Context, path, uploadID string, partNumbers []int) (SignPartsResult, error)
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []CompletedPart) (WriteResult, error)
	AbortMultipart(ctx context.Context, path, uploadID string) error
	ListParts(ctx context.Context, path, uploadID string) (ListPartsResult, error)
}

// QuotaReporter is the optional interface for drivers that can report
// storage usage against a configured total_storage_bytes.
type QuotaReporter interface {
	QuotaUsedBytes(ctx context.Context) (int64, error)
}

// DirectURLer is the optional interface for drivers that can hand back a
// native public/direct URL for an object, used by the VFS linkType
// decision in spec.md §4.6.
type DirectURLer interface {
	DirectURL(ctx context.Context, path string, expiresIn time.Duration, forceDownload bool) (string, error)
}

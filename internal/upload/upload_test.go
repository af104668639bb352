package upload_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/driver/memory"
	"github.com/cloudpaste/gateway/internal/ledger"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/session"
	"github.com/cloudpaste/gateway/internal/upload"
)

// fakeMultiparter is a minimal driver.Multiparter/driver.Presigner double
// tracking calls so tests can assert the Engine's orchestration, not a
// particular backend's wire format.
type fakeMultiparter struct {
	initCalls   int32
	signCalls   int32
	completeErr error
	aborted     bool
	resetParts  bool
}

func (f *fakeMultiparter) InitMultipart(ctx context.Context, path string, size int64, contentType, sha256 string) (driver.InitMultipartResult, error) {
	atomic.AddInt32(&f.initCalls, 1)
	return driver.InitMultipartResult{
		Strategy:   driver.StrategyPerPartURL,
		UploadID:   "up-1",
		PartSize:   5,
		TotalParts: 2,
		Policy:     driver.MultipartCapabilities{PartsLedgerPolicy: driver.LedgerClientKeeps},
	}, nil
}

func (f *fakeMultiparter) SignParts(ctx context.Context, path, uploadID string, partNumbers []int) (driver.SignPartsResult, error) {
	atomic.AddInt32(&f.signCalls, 1)
	var urls []driver.PresignedURL
	for _, n := range partNumbers {
		urls = append(urls, driver.PresignedURL{PartNumber: n, URL: "https://upload/part" + string(rune('0'+n))})
	}
	return driver.SignPartsResult{PresignedURLs: urls, ResetUploadedParts: f.resetParts}, nil
}

func (f *fakeMultiparter) ListParts(ctx context.Context, path, uploadID string) (driver.ListPartsResult, error) {
	return driver.ListPartsResult{Policy: driver.MultipartCapabilities{PartsLedgerPolicy: driver.LedgerServerCanList}}, nil
}

func (f *fakeMultiparter) CompleteMultipart(ctx context.Context, path, uploadID string, parts []driver.CompletedPart) (driver.WriteResult, error) {
	if f.completeErr != nil {
		return driver.WriteResult{}, f.completeErr
	}
	return driver.WriteResult{ETag: "final-etag"}, nil
}

func (f *fakeMultiparter) AbortMultipart(ctx context.Context, path, uploadID string) error {
	f.aborted = true
	return nil
}

type fakePresigner struct{}

func (fakePresigner) PresignSingle(ctx context.Context, path string, size int64, contentType, sha256 string) (driver.PresignResult, error) {
	return driver.PresignResult{Method: "PUT", URL: "https://upload/single"}, nil
}

func (fakePresigner) CommitPresigned(ctx context.Context, targetPath, etag, contentType string, size int64) error {
	return nil
}

func newEngine() *upload.Engine {
	return upload.NewEngine(session.NewManager(time.Hour), logging.New(false), nil)
}

func TestChooseStrategyPrefersRequestedWhenSupported(t *testing.T) {
	caps := driver.FSCapabilities{Multipart: true, PresignedSingle: true}
	got, err := upload.ChooseStrategy(caps, upload.StrategyPresignedSingle)
	require.NoError(t, err)
	require.Equal(t, upload.StrategyPresignedSingle, got)
}

func TestChooseStrategyFallsBackInOrder(t *testing.T) {
	caps := driver.FSCapabilities{BackendStream: true}
	got, err := upload.ChooseStrategy(caps, upload.StrategyPresignedMulti)
	require.NoError(t, err)
	require.Equal(t, upload.StrategyBackendStream, got)
}

func TestChooseStrategyNoneSupported(t *testing.T) {
	_, err := upload.ChooseStrategy(driver.FSCapabilities{}, "")
	require.Error(t, err)
}

func TestNextPartsToSignOnDemand(t *testing.T) {
	parts := upload.NextPartsToSign(3, 5, 10, driver.SigningOnDemand)
	require.Equal(t, []int{3}, parts)

	require.Nil(t, upload.NextPartsToSign(6, 5, 10, driver.SigningOnDemand))
}

func TestNextPartsToSignBatched(t *testing.T) {
	parts := upload.NextPartsToSign(1, 5, 2, driver.SigningBatched)
	require.Equal(t, []int{1, 2}, parts)

	parts = upload.NextPartsToSign(4, 5, 2, driver.SigningBatched)
	require.Equal(t, []int{4, 5}, parts)
}

func TestByteRangeForPart(t *testing.T) {
	start, end := upload.ByteRangeForPart(2, 100, 250)
	require.Equal(t, int64(100), start)
	require.Equal(t, int64(199), end)

	start, end = upload.ByteRangeForPart(3, 100, 250)
	require.Equal(t, int64(200), start)
	require.Equal(t, int64(249), end)
}

func TestContentRangeHeader(t *testing.T) {
	require.Equal(t, "bytes 0-99/250", upload.ContentRangeHeader(0, 99, 250))
}

func TestCommitKeyIsStable(t *testing.T) {
	require.Equal(t, upload.CommitKey("/a/b", "sha"), upload.CommitKey("/a/b", "sha"))
	require.NotEqual(t, upload.CommitKey("/a/b", "sha1"), upload.CommitKey("/a/b", "sha2"))
}

func TestStreamUploadWritesAndReportsProgress(t *testing.T) {
	e := newEngine()
	sto := memory.New()
	var lastRead int64
	_, err := e.StreamUpload(context.Background(), sto, "file.txt", strings.NewReader("hello world"), 11, "text/plain", func(read, total int64) {
		lastRead = read
	})
	require.NoError(t, err)
	require.Equal(t, int64(11), lastRead)

	got, err := sto.Stat(context.Background(), "file.txt")
	require.NoError(t, err)
	require.Equal(t, int64(11), got.Size)
}

func TestPresignSingleRequiresSha256WhenDriverDemandsIt(t *testing.T) {
	e := newEngine()
	sto := memory.New()
	_, err := e.PresignSingle(context.Background(), sto, fakePresigner{}, "file.txt", 10, "text/plain", "")
	if sto.Capabilities().Sha256RequiredForPresign {
		require.Error(t, err)
	} else {
		require.NoError(t, err)
	}
}

func TestInitMultipartRegistersSession(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	sess, err := e.InitMultipart(context.Background(), mp, "file-1", "m1", "sc1", "/a/b", "a/b", "text/plain", "", 10)
	require.NoError(t, err)
	require.Equal(t, "up-1", sess.UploadID)

	got, ok := e.Sessions.Peek("file-1")
	require.True(t, ok)
	require.Equal(t, sess.UploadID, got.UploadID)
}

func TestSignPartsCallsDriverOnce(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	_, err := e.SignParts(context.Background(), mp, "a/b", "up-1", []int{1, 2})
	require.NoError(t, err)
	require.EqualValues(t, 1, mp.signCalls)
}

func TestListPartsServerCanList(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	_, policy, err := e.ListParts(context.Background(), mp, "a/b", "up-1", driver.LedgerServerCanList)
	require.NoError(t, err)
	require.Equal(t, driver.LedgerServerCanList, policy)
}

func TestCompleteRejectsNonContiguousParts(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	sess := &session.Session{
		FileID: "file-1", UploadID: "up-1", StorageKey: "a/b", TotalParts: 2,
		Policy: driver.MultipartCapabilities{PartsLedgerPolicy: driver.LedgerClientKeeps},
	}
	e.Sessions.Put(sess)

	_, err := e.Complete(context.Background(), mp, sess, []ledger.Part{{PartNumber: 1, ETag: "a", Size: 5}})
	require.Error(t, err)
}

func TestCompleteSucceedsAndRemovesSession(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	sess := &session.Session{
		FileID: "file-2", UploadID: "up-2", StorageKey: "a/b", TotalParts: 2,
		Policy: driver.MultipartCapabilities{PartsLedgerPolicy: driver.LedgerClientKeeps},
	}
	e.Sessions.Put(sess)

	wr, err := e.Complete(context.Background(), mp, sess, []ledger.Part{
		{PartNumber: 1, ETag: "a", Size: 5},
		{PartNumber: 2, ETag: "b", Size: 5},
	})
	require.NoError(t, err)
	require.Equal(t, "final-etag", wr.ETag)

	_, ok := e.Sessions.Peek("file-2")
	require.False(t, ok)
}

func TestAbortNeverReturnsError(t *testing.T) {
	e := newEngine()
	mp := &fakeMultiparter{}
	sess := &session.Session{FileID: "file-3", UploadID: "up-3", StorageKey: "a/b"}
	e.Sessions.Put(sess)

	e.Abort(context.Background(), mp, sess)
	require.True(t, mp.aborted)
	_, ok := e.Sessions.Peek("file-3")
	require.False(t, ok)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/mailbox"
	"brokerdesk/backend/internal/mailbox/mailboxtest"
	"brokerdesk/backend/internal/scan"
	"brokerdesk/backend/internal/storage/filesystem"
	"brokerdesk/backend/internal/storage/memory"
)

var msgDate = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

type scanFixture struct {
	store    *memory.Store
	dialer   *mailboxtest.Dialer
	registry *scan.Registry
	cfg      config.ScanConfig
	deps     scan.Deps
	svc      *ScanService
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	files, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	f := &scanFixture{
		store:    memory.NewStore(),
		dialer:   mailboxtest.NewDialer(),
		registry: scan.NewRegistry(2, nil),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.registry.Shutdown(ctx)
	})

	f.cfg = config.ScanConfig{
		MaxConcurrentJobs: 2,
		MaxAccountsPerJob: 2,
		CheckpointEvery:   10,
		WatermarkSlack:    72 * time.Hour,
		DefaultFolders:    []string{"INBOX"},
		LogTail:           20,
	}
	f.deps = scan.Deps{
		Jobs:        f.store,
		Ledger:      f.store,
		Attachments: f.store,
		Accounts:    f.store,
		Files:       files,
		Dialer:      f.dialer,
	}
	f.svc = NewScanService(f.cfg, f.store, f.registry, f.deps)
	return f
}

func (f *scanFixture) addAccount(t *testing.T, id, owner, address string, active bool) {
	t.Helper()
	require.NoError(t, f.store.SaveAccount(context.Background(), &domain.MailAccount{
		ID: id, OwnerID: owner, Address: address, Active: active,
	}))
	f.dialer.AddFolder(address, "INBOX")
}

func (f *scanFixture) addMessage(address, id string) {
	raw := mailboxtest.BuildMessage(id, "avisos@sancor.com", "Poliza", msgDate,
		mailboxtest.Attachment{Filename: "poliza.pdf", Content: []byte(id)})
	f.dialer.AddMessage(address, "INBOX", raw, msgDate)
}

func (f *scanFixture) waitStatus(t *testing.T, owner, jobID string, want domain.ScanStatus) *JobStatus {
	t.Helper()
	var last *JobStatus
	require.Eventually(t, func() bool {
		st, err := f.svc.Status(context.Background(), owner, jobID)
		if err != nil {
			return false
		}
		last = st
		return st.Job.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func blockFetch(d *mailboxtest.Dialer) (reached, release chan struct{}) {
	reached = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	d.BeforeFetch = func(string, string, uint32) {
		once.Do(func() {
			close(reached)
			<-release
		})
	}
	return reached, release
}

func TestScanService_StartValidation(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	f.addAccount(t, "a2", "owner", "a2@example.com", true)
	f.addAccount(t, "a3", "owner", "a3@example.com", true)
	f.addAccount(t, "off", "owner", "off@example.com", false)
	f.addAccount(t, "other", "someone", "other@example.com", true)
	ctx := context.Background()

	_, err := f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner"})
	assert.ErrorIs(t, err, ErrNoAccounts)

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1", "a2", "a3"}})
	assert.ErrorIs(t, err, ErrTooManyAccounts)

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"other"}})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"missing"}})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"off"}})
	assert.ErrorIs(t, err, ErrAccountInactive)

	since := msgDate
	before := msgDate.Add(-time.Hour)
	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}, Since: &since, Before: &before})
	assert.ErrorIs(t, err, ErrInvalidDateRange)

	jobs, err := f.svc.ListJobs(ctx, "owner", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScanService_RunsToCompletion(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	f.addMessage("a1@example.com", "<m1@x>")
	ctx := context.Background()

	job, err := f.svc.StartScan(ctx, StartScanInput{
		OwnerID:    "owner",
		AccountIDs: []string{"a1", "a1", " "},
		Keywords:   []string{"poliza", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, job.AccountIDs)
	assert.Equal(t, []string{"INBOX"}, job.Folders)
	assert.Equal(t, []string{"poliza"}, job.Keywords)

	st := f.waitStatus(t, "owner", job.ID, domain.ScanStatusCompleted)
	assert.Equal(t, 1, st.Job.AttachmentsSaved)
	_, ok := f.registry.Get(job.ID)
	assert.False(t, ok, "finished controllers are dropped once their status was read")

	atts, err := f.svc.Attachments(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.Len(t, atts, 1)

	wms, err := f.svc.Watermarks(ctx, "owner", "a1")
	require.NoError(t, err)
	assert.Len(t, wms, 1)

	_, err = f.svc.Status(ctx, "someone", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestScanService_OneLiveJobPerOwner(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	f.addMessage("a1@example.com", "<m1@x>")
	f.addMessage("a1@example.com", "<m2@x>")
	reached, release := blockFetch(f.dialer)
	ctx := context.Background()

	job, err := f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
	require.NoError(t, err)
	<-reached

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
	assert.ErrorIs(t, err, ErrScanInProgress)

	ok, err := f.svc.Pause(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.Pause(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	close(release)

	st := f.waitStatus(t, "owner", job.ID, domain.ScanStatusPaused)
	require.NotNil(t, st.Live)
	assert.True(t, st.Live.Paused)

	ok, err = f.svc.Resume(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	f.waitStatus(t, "owner", job.ID, domain.ScanStatusCompleted)

	ok, err = f.svc.Cancel(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "finished jobs cannot be cancelled")

	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
	assert.NoError(t, err)
}

func TestScanService_CancelRunningJob(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	f.addMessage("a1@example.com", "<m1@x>")
	f.addMessage("a1@example.com", "<m2@x>")
	reached, release := blockFetch(f.dialer)
	ctx := context.Background()

	job, err := f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
	require.NoError(t, err)
	<-reached

	ok, err := f.svc.Cancel(ctx, "owner", job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	f.waitStatus(t, "owner", job.ID, domain.ScanStatusCancelled)
}

func TestScanService_ReconcilesOrphans(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	ctx := context.Background()

	orphan := &domain.ScanJob{ID: "orphan", OwnerID: "owner", Status: domain.ScanStatusRunning}
	require.NoError(t, f.store.CreateScanJob(ctx, orphan))

	st, err := f.svc.Status(ctx, "owner", "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCancelled, st.Job.Status)
	assert.NotNil(t, st.Job.EndedAt)
	assert.Equal(t, orphanMessage, st.Job.ErrorMessage)
	assert.Nil(t, st.Live)

	// 启动新任务前也会收回孤儿记录
	other := &domain.ScanJob{ID: "orphan-2", OwnerID: "owner", Status: domain.ScanStatusPaused}
	require.NoError(t, f.store.CreateScanJob(ctx, other))
	_, err = f.svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
	require.NoError(t, err)

	got, err := f.store.GetScanJob(ctx, "orphan-2")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCancelled, got.Status)
}

// gatedCreateStore 在写入任务记录后停住，直到 release 关闭
type gatedCreateStore struct {
	*memory.Store
	created chan struct{}
	release chan struct{}
}

func (g *gatedCreateStore) CreateScanJob(ctx context.Context, job *domain.ScanJob) error {
	if err := g.Store.CreateScanJob(ctx, job); err != nil {
		return err
	}
	close(g.created)
	<-g.release
	return nil
}

func TestScanService_ListJobsWhileStartingKeepsNewJob(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)
	f.addMessage("a1@example.com", "<m1@x>")
	ctx := context.Background()

	gated := &gatedCreateStore{Store: f.store, created: make(chan struct{}), release: make(chan struct{})}
	svc := NewScanService(f.cfg, gated, f.registry, f.deps)

	started := make(chan *domain.ScanJob, 1)
	go func() {
		job, err := svc.StartScan(ctx, StartScanInput{OwnerID: "owner", AccountIDs: []string{"a1"}})
		assert.NoError(t, err)
		started <- job
	}()
	<-gated.created

	listed := make(chan []domain.ScanJob, 1)
	go func() {
		jobs, err := svc.ListJobs(ctx, "owner", 10)
		assert.NoError(t, err)
		listed <- jobs
	}()

	select {
	case <-listed:
		t.Fatal("ListJobs returned while the job was still being started")
	case <-time.After(50 * time.Millisecond):
	}
	close(gated.release)

	job := <-started
	require.NotNil(t, job)
	jobs := <-listed
	require.Len(t, jobs, 1)
	assert.NotEqual(t, domain.ScanStatusCancelled, jobs[0].Status)

	st := f.waitStatus(t, "owner", job.ID, domain.ScanStatusCompleted)
	assert.Empty(t, st.Job.ErrorMessage)
}

func TestScanService_CancelWithoutController(t *testing.T) {
	f := newScanFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateScanJob(ctx, &domain.ScanJob{ID: "stale", OwnerID: "owner", Status: domain.ScanStatusPending}))

	ok, err := f.svc.Cancel(ctx, "owner", "stale")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Pause(ctx, "owner", "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.store.GetScanJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCancelled, got.Status)

	_, err = f.svc.Cancel(ctx, "owner", "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// MockDialer 模拟 IMAP 拨号
type MockDialer struct {
	mock.Mock
}

func (m *MockDialer) Dial(ctx context.Context, account *domain.MailAccount) (mailbox.Session, error) {
	args := m.Called(ctx, account)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(mailbox.Session), args.Error(1)
}

func TestScanService_TestConnection(t *testing.T) {
	f := newScanFixture(t)
	f.addAccount(t, "a1", "owner", "a1@example.com", true)

	dialer := new(MockDialer)
	dialer.On("Dial", mock.Anything, mock.MatchedBy(func(a *domain.MailAccount) bool {
		return a.ID == "a1"
	})).Return(nil, errors.New("invalid credentials")).Once()
	f.svc.deps.Dialer = dialer

	err := f.svc.TestConnection(context.Background(), "owner", "a1")
	assert.EqualError(t, err, "invalid credentials")
	dialer.AssertExpectations(t)

	err = f.svc.TestConnection(context.Background(), "someone", "a1")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

package coordinator

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/iotest"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/mailbox"
	"github.com/oshokin/deploy-agent/internal/notify"
)

// harness bundles a coordinator with its fakes.
type harness struct {
	coordinator *Coordinator
	downloads   *fakeDownloads
	installer   *fakeInstaller
	registrar   *fakeRegistrar
	mailbox     *mailbox.Mailbox
}

// newHarness builds a coordinator over fakes and a real mailbox.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		downloads: new(fakeDownloads),
		installer: newFakeInstaller(),
		registrar: new(fakeRegistrar),
		mailbox:   mailbox.New(8),
	}

	t.Cleanup(h.mailbox.Close)

	c, err := New(Dependencies{
		Downloads: h.downloads,
		Installer: h.installer,
		Registrar: h.registrar,
		Scheduler: h.mailbox,
	}, append([]Option{WithNamespace("com.example")}, opts...)...)
	require.NoError(t, err)

	h.coordinator = c

	return h
}

// randomBytes returns n random bytes.
func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)

	return data
}

// TestNew_RequiresDependencies rejects a coordinator without host services.
func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{})
	require.ErrorIs(t, err, errMissingDependency)
}

// TestInstallPackage_RoundTrip writes exactly the source bytes regardless of read chunking.
func TestInstallPackage_RoundTrip(t *testing.T) {
	t.Parallel()

	sizes := []int{0, 1, copyBufferSize - 1, copyBufferSize, copyBufferSize + 1, 3*copyBufferSize + 17}
	chunkers := map[string]func(io.Reader) io.Reader{
		"whole":   func(r io.Reader) io.Reader { return r },
		"onebyte": iotest.OneByteReader,
		"half":    iotest.HalfReader,
		"dataerr": iotest.DataErrReader,
	}

	for name, chunk := range chunkers {
		for _, size := range sizes {
			if name == "onebyte" && size > copyBufferSize+1 {
				continue
			}

			h := newHarness(t)
			data := randomBytes(t, size)
			src := &trackingReader{Reader: chunk(bytes.NewReader(data))}

			ok, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app")
			require.NoError(t, err, "%s/%d", name, size)
			require.True(t, ok)

			session := h.installer.last()
			require.Equal(t, data, nonNil(session.writer.buf.Bytes()), "%s/%d", name, size)
			require.Equal(t, 1, session.writer.syncs)
			require.Equal(t, 1, session.writer.closes)
			require.Equal(t, 1, src.closes)
			require.Len(t, session.commits, 1)
		}
	}
}

// nonNil turns an empty buffer into an empty, non-nil slice for comparisons.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return b
}

// TestInstallPackage_EndToEnd installs a 200 KiB artifact and checks session parameters and the commit token.
func TestInstallPackage_EndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	data := randomBytes(t, 200*1024)
	src := &trackingReader{Reader: bytes.NewReader(data)}
	checksum := []byte{1, 2, 3}

	ok, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app",
		WithVersionCode(12), WithChecksum(checksum))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []deploy.SessionParams{{
		Mode:        deploy.ModeFullInstall,
		PackageName: "com.example.app",
		VersionCode: 12,
		Checksum:    checksum,
	}}, h.installer.params)

	session := h.installer.last()
	require.Equal(t, ArtifactEntryName, session.entry)
	require.Zero(t, session.offset)
	require.EqualValues(t, -1, session.length)
	require.Equal(t, data, session.writer.buf.Bytes())
	require.Equal(t, 4, session.writer.writes)
	require.Equal(t, 1, session.writer.syncs)

	require.Len(t, session.commits, 1)
	require.NotNil(t, session.commits[0])

	token := session.commits[0].Token()
	require.Equal(t, "com.example.INSTALL_COMPLETE", token.Action)
	require.EqualValues(t, session.id, token.RequestCode)
	require.Empty(t, token.PackageName)
	require.True(t, token.Flags.Has(deploy.FlagReplaceExisting|deploy.FlagImmutable))
}

// TestInstallPackage_EmptyStream still opens, syncs, closes and commits a session.
func TestInstallPackage_EmptyStream(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := &trackingReader{Reader: bytes.NewReader(nil)}

	ok, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app")
	require.NoError(t, err)
	require.True(t, ok)

	session := h.installer.last()
	require.Zero(t, session.writer.buf.Len())
	require.Equal(t, 1, session.writer.syncs)
	require.Equal(t, 1, session.writer.closes)
	require.Equal(t, 1, src.closes)
	require.Len(t, session.commits, 1)
}

// TestInstallPackage_WriteFailureClosesStreams checks resource safety when the session write fails mid-copy.
func TestInstallPackage_WriteFailureClosesStreams(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.installer.failAfter = copyBufferSize + 10

	src := &trackingReader{Reader: bytes.NewReader(randomBytes(t, 3*copyBufferSize))}

	ok, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app")
	require.ErrorIs(t, err, errDiskFull)
	require.False(t, ok)

	session := h.installer.last()
	require.Equal(t, 1, src.closes)
	require.Equal(t, 1, session.writer.closes)
	require.Zero(t, session.writer.syncs)
	require.Empty(t, session.commits)
}

// TestInstallPackage_ReadFailure propagates source errors and leaves the session uncommitted.
func TestInstallPackage_ReadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	errBroken := errors.New("broken pipe")
	src := &trackingReader{Reader: iotest.ErrReader(errBroken)}

	_, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app")
	require.ErrorIs(t, err, errBroken)

	session := h.installer.last()
	require.Equal(t, 1, src.closes)
	require.Equal(t, 1, session.writer.closes)
	require.Empty(t, session.commits)
}

// TestInstallPackage_CreateFailure propagates host refusals and still closes the source.
func TestInstallPackage_CreateFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.installer.createErr = errNoSessions

	src := &trackingReader{Reader: bytes.NewReader([]byte("apk"))}
	_, err := h.coordinator.InstallPackage(context.Background(), src, "com.example.app")
	require.ErrorIs(t, err, errNoSessions)
	require.Equal(t, 1, src.closes)
	require.Empty(t, h.registrar.tokens)
}

// TestInstallPackage_RequiresPackageName enforces the precondition and still closes the source.
func TestInstallPackage_RequiresPackageName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	src := &trackingReader{Reader: bytes.NewReader([]byte("apk"))}

	_, err := h.coordinator.InstallPackage(context.Background(), src, "")
	require.ErrorIs(t, err, deploy.ErrPackageNameRequired)
	require.Equal(t, 1, src.closes)
	require.Empty(t, h.installer.params)
}

// TestUninstallPackage_TokenCarriesPackageName intercepts the registration built for an uninstall.
func TestUninstallPackage_TokenCarriesPackageName(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.coordinator.UninstallPackage(context.Background(), "com.example.app")

	require.Equal(t, []deploy.CompletionToken{{
		Action:      "com.example.UNINSTALL_COMPLETE",
		RequestCode: 0,
		PackageName: "com.example.app",
		Flags:       deploy.FlagReplaceExisting | deploy.FlagImmutable,
	}}, h.registrar.tokens)

	require.Equal(t, []string{"com.example.app"}, h.installer.uninstalls)
	require.Equal(t, "com.example.app", h.installer.callbacks[0].Token().PackageName)
}

// TestCallbackFlags_OlderHost requests only replace-existing below the immutable API level.
func TestCallbackFlags_OlderHost(t *testing.T) {
	t.Parallel()

	h := newHarness(t, WithHostAPILevel(deploy.ImmutableCallbacksAPILevel-1))

	h.coordinator.UninstallPackage(context.Background(), "com.example.app")

	require.Equal(t, deploy.FlagReplaceExisting, h.coordinator.CallbackFlags())
	require.Equal(t, deploy.FlagReplaceExisting, h.registrar.tokens[0].Flags)
}

// TestStartDownload_TimeoutFiresOnce checks the watchdog timing on a fake clock.
func TestStartDownload_TimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t)
		start := time.Now()

		task, err := h.coordinator.StartDownload(context.Background(), "https://example.com/app.apk")
		require.NoError(t, err)
		require.EqualValues(t, 1, task.ID)
		require.Equal(t, start.Add(DefaultDownloadTimeout), task.Deadline)

		time.Sleep(DefaultDownloadTimeout - time.Millisecond)
		synctest.Wait()
		require.Empty(t, h.mailbox.C())

		time.Sleep(time.Millisecond)
		synctest.Wait()

		msg := <-h.mailbox.C()
		require.Equal(t, deploy.MessageDownloadTimeout, msg.Kind)
		require.Equal(t, task.ID, msg.DownloadID)
		require.Equal(t, 120*time.Second, time.Since(start))

		time.Sleep(DefaultDownloadTimeout)
		synctest.Wait()
		require.Empty(t, h.mailbox.C())
	})
}

// TestStartDownload_IndependentTimeouts verifies concurrent downloads get distinct handles and their own watchdogs.
func TestStartDownload_IndependentTimeouts(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, WithDownloadTimeout(10*time.Second))

		urls := []string{"https://example.com/a.apk", "https://example.com/b.apk"}
		tasks := make([]*deploy.DownloadTask, len(urls))
		errs := make([]error, len(urls))

		var wg sync.WaitGroup

		for i, u := range urls {
			wg.Go(func() {
				tasks[i], errs[i] = h.coordinator.StartDownload(context.Background(), u)
			})
		}

		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}

		require.NotEqual(t, tasks[0].ID, tasks[1].ID)
		require.Equal(t, 2, h.mailbox.Pending())

		time.Sleep(10*time.Second - time.Millisecond)
		synctest.Wait()
		require.Empty(t, h.mailbox.C())

		time.Sleep(time.Millisecond)
		synctest.Wait()

		fired := make(map[deploy.DownloadID]int)

		for range urls {
			msg := <-h.mailbox.C()
			require.Equal(t, deploy.MessageDownloadTimeout, msg.Kind)
			fired[msg.DownloadID]++
		}

		require.Equal(t, map[deploy.DownloadID]int{tasks[0].ID: 1, tasks[1].ID: 1}, fired)
		require.Empty(t, h.mailbox.C())
	})
}

// TestStartDownload_CancelOneTimeout leaves the other watchdog armed.
func TestStartDownload_CancelOneTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, WithDownloadTimeout(10*time.Second))

		first, err := h.coordinator.StartDownload(context.Background(), "https://example.com/a.apk")
		require.NoError(t, err)

		second, err := h.coordinator.StartDownload(context.Background(), "https://example.com/b.apk")
		require.NoError(t, err)

		require.Equal(t, 1, h.mailbox.RemoveMessages(deploy.MessageDownloadTimeout, first.ID))

		time.Sleep(10 * time.Second)
		synctest.Wait()

		msg := <-h.mailbox.C()
		require.Equal(t, second.ID, msg.DownloadID)
		require.Empty(t, h.mailbox.C())
	})
}

// TestInstallPackage_CommitFailureWithdrawsRegistration leaves no live registration behind.
func TestInstallPackage_CommitFailureWithdrawsRegistration(t *testing.T) {
	t.Parallel()

	broker := notify.NewBroker()
	installer := newFakeInstaller()
	installer.commitErr = errSealed

	c, err := New(Dependencies{
		Downloads: new(fakeDownloads),
		Installer: installer,
		Registrar: broker,
		Scheduler: mailbox.New(1),
	}, WithNamespace("com.example"))
	require.NoError(t, err)

	src := &trackingReader{Reader: bytes.NewReader([]byte("apk"))}

	ok, err := c.InstallPackage(context.Background(), src, "com.example.app")
	require.ErrorIs(t, err, errSealed)
	require.False(t, ok)
	require.Equal(t, 1, src.closes)
	require.Equal(t, 1, installer.last().writer.closes)
	require.Zero(t, broker.Pending())
}

// TestStartDownload_Errors covers invalid URLs and host refusals.
func TestStartDownload_Errors(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	for _, raw := range []string{"", "ftp://example.com/a.apk", "https:///a.apk", "::bad"} {
		_, err := h.coordinator.StartDownload(context.Background(), raw)
		require.ErrorIs(t, err, ErrInvalidSourceURL, raw)
	}

	require.Zero(t, h.mailbox.Pending())

	h.downloads.err = errEnqueueFull

	_, err := h.coordinator.StartDownload(context.Background(), "https://example.com/a.apk")
	require.ErrorIs(t, err, errEnqueueFull)
	require.Zero(t, h.mailbox.Pending())

	task, err := newHarness(t).coordinator.StartDownload(context.Background(), "file:///var/cache/app.apk")
	require.NoError(t, err)
	require.Equal(t, "file:///var/cache/app.apk", task.SourceURL)
}

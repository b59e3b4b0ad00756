package installer

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/notify"
	"github.com/oshokin/deploy-agent/internal/repository/packages"
)

const testPackage = "com.example.app"

// resultCallback forwards results to a channel.
type resultCallback struct {
	results chan deploy.Result
}

// newResultCallback returns a callback with room for one result.
func newResultCallback() *resultCallback {
	return &resultCallback{results: make(chan deploy.Result, 1)}
}

// Token returns an empty token.
func (c *resultCallback) Token() deploy.CompletionToken { return deploy.CompletionToken{} }

// Send records the result.
func (c *resultCallback) Send(_ context.Context, result deploy.Result) error {
	c.results <- result

	return nil
}

// wait returns the delivered result.
func (c *resultCallback) wait(t *testing.T) deploy.Result {
	t.Helper()

	select {
	case result := <-c.results:
		return result
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no result delivered")

		return deploy.Result{}
	}
}

// fakeProcess implements ps.Process.
type fakeProcess struct {
	pid        int
	executable string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 1 }
func (p fakeProcess) Executable() string { return p.executable }

// newTestInstaller creates an installer in temporary directories.
func newTestInstaller(t *testing.T) (*Installer, *packages.FileRepository) {
	t.Helper()

	dir := t.TempDir()
	registry := packages.NewFileRepository(filepath.Join(dir, "registry.yaml"))

	inst, err := New(Options{
		Root:     filepath.Join(dir, "root"),
		Staging:  filepath.Join(dir, "staging"),
		Registry: registry,
		Actor:    "tester@host",
	})
	require.NoError(t, err)

	return inst, registry
}

// stage creates a session holding the given entries.
func stage(t *testing.T, inst *Installer, params deploy.SessionParams, entries map[string]string) *Session {
	t.Helper()

	id, err := inst.CreateSession(context.Background(), params)
	require.NoError(t, err)

	s, err := inst.Session(id)
	require.NoError(t, err)

	for name, contents := range entries {
		w, err := s.OpenWrite(name, 0, -1)
		require.NoError(t, err)

		_, err = io.WriteString(w, contents)
		require.NoError(t, err)
		require.NoError(t, s.Fsync(w))
		require.NoError(t, w.Close())
	}

	return s
}

// TestNew_RequiresRegistry rejects an installer that cannot record packages.
func TestNew_RequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Root: t.TempDir()})
	require.ErrorIs(t, err, errMissingRegistry)
}

// TestCommit_InstallsPackage applies the staged entry and records the package.
func TestCommit_InstallsPackage(t *testing.T) {
	t.Parallel()

	inst, registry := newTestInstaller(t)
	s := stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
		VersionCode: 3,
	}, map[string]string{"COSU.apk": "v3"})

	cb := newResultCallback()
	require.NoError(t, s.Commit(cb))

	result := cb.wait(t)
	require.Equal(t, deploy.StatusSuccess, result.Status, result.Message)
	require.Equal(t, testPackage, result.PackageName)

	installed := filepath.Join(inst.root, testPackage, "COSU.apk")
	data, err := os.ReadFile(installed)
	require.NoError(t, err)
	require.Equal(t, "v3", string(data))

	record, err := registry.Get(context.Background(), testPackage)
	require.NoError(t, err)
	require.EqualValues(t, 3, record.VersionCode)
	require.Equal(t, "tester@host", record.InstalledBy)

	sum := sha512.Sum512([]byte("v3"))
	require.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), record.Checksum)

	require.NoError(t, inst.Wait(context.Background()))

	_, err = os.Stat(s.dir)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, inst.Sessions())
}

// TestCommit_FullInstallPrunes removes entries the new version does not ship,
// while inheriting sessions keep them.
func TestCommit_FullInstallPrunes(t *testing.T) {
	t.Parallel()

	inst, registry := newTestInstaller(t)
	dir := filepath.Join(inst.root, testPackage)

	cb := newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
		VersionCode: 1,
	}, map[string]string{"COSU.apk": "v1", "extra.bin": "x"}).Commit(cb))
	require.True(t, cb.wait(t).Status.OK())

	cb = newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeInheritExisting,
		PackageName: testPackage,
	}, map[string]string{"COSU.apk": "v1b"}).Commit(cb))
	require.True(t, cb.wait(t).Status.OK())

	require.FileExists(t, filepath.Join(dir, "extra.bin"))

	record, err := registry.Get(context.Background(), testPackage)
	require.NoError(t, err)
	require.EqualValues(t, 1, record.VersionCode)

	cb = newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
		VersionCode: 2,
	}, map[string]string{"COSU.apk": "v2"}).Commit(cb))
	require.True(t, cb.wait(t).Status.OK())

	require.NoFileExists(t, filepath.Join(dir, "extra.bin"))
	require.FileExists(t, filepath.Join(dir, "COSU.apk"))
}

// TestCommit_Checksum verifies staged entries against the expected digest.
func TestCommit_Checksum(t *testing.T) {
	t.Parallel()

	inst, registry := newTestInstaller(t)
	good := sha512.Sum512([]byte("payload"))

	cb := newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
		Checksum:    good[:],
	}, map[string]string{"COSU.apk": "tampered"}).Commit(cb))

	result := cb.wait(t)
	require.Equal(t, deploy.StatusFailureInvalid, result.Status)

	_, err := registry.Get(context.Background(), testPackage)
	require.ErrorIs(t, err, packages.ErrNotFound)
	require.NoFileExists(t, filepath.Join(inst.root, testPackage, "COSU.apk"))

	cb = newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
		Checksum:    good[:],
	}, map[string]string{"COSU.apk": "payload"}).Commit(cb))
	require.Equal(t, deploy.StatusSuccess, cb.wait(t).Status)
}

// TestCommit_EmptySession reports an invalid install.
func TestCommit_EmptySession(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstaller(t)

	cb := newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
	}, nil).Commit(cb))

	require.Equal(t, deploy.StatusFailureInvalid, cb.wait(t).Status)
}

// TestSession_Lifecycle covers the session state checks.
func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstaller(t)
	ctx := context.Background()

	_, err := inst.CreateSession(ctx, deploy.SessionParams{Mode: deploy.ModeFullInstall})
	require.ErrorIs(t, err, deploy.ErrPackageNameRequired)

	_, err = inst.CreateSession(ctx, deploy.SessionParams{Mode: deploy.ModeFullInstall, PackageName: "../evil"})
	require.ErrorIs(t, err, ErrInvalidName)

	id, err := inst.CreateSession(ctx, deploy.SessionParams{Mode: deploy.ModeFullInstall, PackageName: testPackage})
	require.NoError(t, err)

	session, err := inst.OpenSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, session.ID())

	for _, name := range []string{"", ".", "..", "../x", "a/b"} {
		_, err = session.OpenWrite(name, 0, -1)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}

	bounded, err := session.OpenWrite("bounded.bin", 0, 4)
	require.NoError(t, err)

	_, err = bounded.Write([]byte("12345"))
	require.ErrorIs(t, err, ErrEntryTooLarge)

	_, err = bounded.Write([]byte("1234"))
	require.NoError(t, err)

	require.ErrorIs(t, session.Fsync(io.Discard), ErrForeignWriter)
	require.ErrorIs(t, session.Commit(newResultCallback()), ErrWritersOpen)

	require.NoError(t, bounded.Close())
	require.NoError(t, bounded.Close())

	cb := newResultCallback()
	require.NoError(t, session.Commit(cb))
	require.ErrorIs(t, session.Commit(cb), ErrSessionSealed)

	_, err = session.OpenWrite("late.bin", 0, -1)
	require.ErrorIs(t, err, ErrSessionSealed)

	require.True(t, cb.wait(t).Status.OK())
	require.NoError(t, inst.Wait(ctx))

	_, err = inst.OpenSession(ctx, id)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// TestOpenWrite_Offset writes at the requested position.
func TestOpenWrite_Offset(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstaller(t)
	s := stage(t, inst, deploy.SessionParams{Mode: deploy.ModeFullInstall, PackageName: testPackage},
		map[string]string{"COSU.apk": "hello world"})

	w, err := s.OpenWrite("COSU.apk", 6, -1)
	require.NoError(t, err)

	_, err = io.WriteString(w, "WORLD")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(s.dir, "COSU.apk"))
	require.NoError(t, err)
	require.Equal(t, "hello WORLD", string(data))
}

// TestUninstall covers removal of installed and unknown packages.
func TestUninstall(t *testing.T) {
	t.Parallel()

	inst, registry := newTestInstaller(t)
	ctx := context.Background()

	cb := newResultCallback()
	inst.Uninstall(ctx, testPackage, cb)

	result := cb.wait(t)
	require.Equal(t, deploy.StatusFailure, result.Status)
	require.Equal(t, testPackage, result.PackageName)

	cb = newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
	}, map[string]string{"COSU.apk": "v1"}).Commit(cb))
	require.True(t, cb.wait(t).Status.OK())

	cb = newResultCallback()
	inst.Uninstall(ctx, testPackage, cb)

	result = cb.wait(t)
	require.Equal(t, deploy.StatusSuccess, result.Status, result.Message)
	require.NoDirExists(t, filepath.Join(inst.root, testPackage))

	list, err := registry.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

// TestStopRunning kills only processes named after the package or its entries.
func TestStopRunning(t *testing.T) {
	t.Parallel()

	inst, _ := newTestInstaller(t)
	inst.stopRunning = true

	var killed []int

	inst.processes = func() ([]ps.Process, error) {
		return []ps.Process{
			fakeProcess{pid: 4242, executable: testPackage},
			fakeProcess{pid: 4343, executable: "tool.exe"},
			fakeProcess{pid: 4444, executable: "unrelated"},
			fakeProcess{pid: os.Getpid(), executable: testPackage},
		}, nil
	}
	inst.kill = func(pid int) error {
		killed = append(killed, pid)

		return nil
	}

	cb := newResultCallback()
	require.NoError(t, stage(t, inst, deploy.SessionParams{
		Mode:        deploy.ModeFullInstall,
		PackageName: testPackage,
	}, map[string]string{"tool": "bin"}).Commit(cb))

	require.True(t, cb.wait(t).Status.OK())
	require.Equal(t, []int{4242, 4343}, killed)
}

// TestAbandonStale discards sessions nobody committed.
func TestAbandonStale(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		inst, _ := newTestInstaller(t)
		ctx := context.Background()

		old := stage(t, inst, deploy.SessionParams{Mode: deploy.ModeFullInstall, PackageName: "com.example.old"},
			map[string]string{"COSU.apk": "x"})

		time.Sleep(2 * time.Hour)

		fresh := stage(t, inst, deploy.SessionParams{Mode: deploy.ModeFullInstall, PackageName: "com.example.new"}, nil)

		require.Equal(t, 1, inst.AbandonStale(ctx, time.Hour))

		sessions := inst.Sessions()
		require.Len(t, sessions, 1)
		require.Equal(t, fresh.ID(), sessions[0].ID)
		require.Equal(t, SessionOpen, sessions[0].State)

		require.NoDirExists(t, old.dir)
		require.ErrorIs(t, old.Abandon(), ErrSessionSealed)
	})
}

// TestReport_SpentCallbackLogsWarning drops a second result on a shared registration without an error log.
func TestReport_SpentCallbackLogsWarning(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logger.ToContext(context.Background(), zap.New(core).Sugar())

	broker := notify.NewBroker()
	cb := broker.Register(deploy.CompletionToken{
		Action:      "com.example.UNINSTALL_COMPLETE",
		PackageName: testPackage,
	})

	report(ctx, cb, deploy.Result{PackageName: testPackage, Status: deploy.StatusSuccess})
	report(ctx, cb, deploy.Result{PackageName: "com.example.other", Status: deploy.StatusSuccess})

	dropped := logs.FilterMessage("Completion already consumed, result dropped").All()
	require.Len(t, dropped, 1)
	require.Equal(t, zapcore.WarnLevel, dropped[0].Level)
	require.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

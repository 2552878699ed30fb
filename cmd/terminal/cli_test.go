package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/syncqueue"
	"github.com/cybertec-postgresql/scansync/internal/terminal"
)

func TestCLIParsing(t *testing.T) {
	config, err := ParseCLI([]string{"-n", "Gate-1"})
	require.NoError(t, err)
	assert.Equal(t, "Gate-1", config.Name)
	assert.Equal(t, "entry-producer", config.Role)
	assert.Equal(t, "ws", config.Delivery)
	assert.Equal(t, "sqlite", config.Store)
	assert.Equal(t, "local_wins", config.Policy)
	assert.Equal(t, 1000, config.ChunkCapacity)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, "us-east-1", config.S3.Region)

	config, err = ParseCLI([]string{
		"--name", "Exit-2",
		"--role", "exit-validator",
		"--delivery", "http",
		"--store", "dir",
		"--s3-bucket", "backups",
		"--s3-endpoint", "http://minio:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "exit-validator", config.Role)
	assert.Equal(t, "http", config.Delivery)
	assert.Equal(t, "dir", config.Store)
	assert.Equal(t, "backups", config.S3.Bucket)
	assert.Equal(t, "http://minio:9000", config.S3.Endpoint)

	_, err = ParseCLI([]string{"--role", "janitor"})
	assert.Error(t, err, "Roles are restricted to the known choices")
	_, err = ParseCLI([]string{"--delivery", "carrier-pigeon"})
	assert.Error(t, err)
	_, err = ParseCLI([]string{"-n", "x", "extra"})
	assert.Error(t, err)
}

func TestCLIEnvironmentVariables(t *testing.T) {
	t.Setenv("SCANSYNC_NAME", "Gate-env")
	t.Setenv("SCANSYNC_COORDINATOR", "https://central.example.org")
	config, err := ParseCLI([]string{})
	require.NoError(t, err)
	assert.Equal(t, "Gate-env", config.Name)
	assert.Equal(t, "https://central.example.org", config.Coordinator)
}

func TestDurations(t *testing.T) {
	config, err := ParseCLI([]string{"-n", "x", "--heartbeat", "10s"})
	require.NoError(t, err)
	tm, err := config.durations()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, tm.heartbeat)
	assert.Equal(t, 90*time.Second, tm.liveness)
	assert.Equal(t, 15*time.Second, tm.ackTimeout)
	assert.Equal(t, 250*time.Millisecond, tm.batchDelay)

	config, err = ParseCLI([]string{"-n", "x", "--heartbeat", "10s", "--liveness-timeout", "45s"})
	require.NoError(t, err)
	tm, err = config.durations()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, tm.liveness, "Liveness is independent of the heartbeat")

	config.Liveness = "5s"
	_, err = config.durations()
	assert.ErrorContains(t, err, "liveness-timeout")

	config.AckTimeout = "soon"
	_, err = config.durations()
	assert.ErrorContains(t, err, "ack-timeout")
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", wsURL("http://localhost:8080"))
	assert.Equal(t, "wss://central.example.org/ws", wsURL("https://central.example.org/"))
	assert.Equal(t, "ws://10.0.0.1:8080/ws", wsURL("ws://10.0.0.1:8080"))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	config, err := ParseCLI([]string{"-n", "x", "--store", "dir", "--data-dir", dir, "--backup-dir", filepath.Join(dir, "backup")})
	require.NoError(t, err)
	opts, closers, err := openBackends(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, "registrations", opts.Namespace)
	assert.NotNil(t, opts.Primary)
	assert.NotNil(t, opts.Emergency)
	assert.Len(t, opts.Backups, 1)
	assert.Len(t, closers, 3)

	store, err := localstore.Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, model.NewRecord("x", "1", "Ana", time.Now())))
	require.NoError(t, store.Snapshot(ctx))
	for _, c := range closers {
		assert.NoError(t, c.Close())
	}

	config, err = ParseCLI([]string{"-n", "x", "--store", "memory", "--role", "exit-validator"})
	require.NoError(t, err)
	opts, closers, err = openBackends(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, "validations", opts.Namespace)
	assert.Nil(t, opts.Emergency, "In-memory terminals have no emergency directory unless configured")
	assert.Empty(t, opts.Backups)
	assert.Len(t, closers, 1)
}

func TestOpenBackends_DefaultBackups(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	config, err := ParseCLI([]string{"-n", "x", "--data-dir", dir})
	require.NoError(t, err)
	assert.Empty(t, config.BackupDirs)
	opts, closers, err := openBackends(ctx, config)
	require.NoError(t, err)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	require.Len(t, opts.Backups, 2, "A default terminal keeps two independent backups")
	assert.Equal(t, []string{filepath.Join(dir, "backup-1"), filepath.Join(dir, "backup-2")}, backupDirs(config))

	store, err := localstore.Open(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, model.NewRecord("x", "1", "Ana", time.Now())))
	require.NoError(t, store.Snapshot(ctx))
	for _, b := range opts.Backups {
		keys, err := b.Keys(ctx, "registrations:chunk:")
		require.NoError(t, err)
		assert.Len(t, keys, 1)
	}

	config, err = ParseCLI([]string{"-n", "x", "--data-dir", dir, "--backup-dir", filepath.Join(dir, "a"), "--backup-dir", filepath.Join(dir, "b"), "--backup-dir", filepath.Join(dir, "c")})
	require.NoError(t, err)
	assert.Len(t, backupDirs(config), 3)
}

type fakeController struct {
	produced []string
	students []model.Student
	flushes  int
	reconn   int
	failNext error
}

func (f *fakeController) Produce(_ context.Context, id, name string, _ map[string]any) (model.Record, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return model.Record{}, err
	}
	f.produced = append(f.produced, id+"|"+name)
	rec := model.NewRecord("x", id, name, time.Now())
	rec.Offline = true
	return rec, nil
}

func (f *fakeController) AddStudent(_ context.Context, s model.Student) (model.QueueItem, error) {
	f.students = append(f.students, s)
	return model.NewStudentItem(s, "x", 3, time.Now()), nil
}

func (f *fakeController) Flush(_ context.Context, onProgress func(syncqueue.Progress)) syncqueue.Result {
	f.flushes++
	p := syncqueue.Progress{Processed: 2, Total: 2}
	onProgress(p)
	return syncqueue.Result{Progress: p}
}

func (f *fakeController) ForceResync(context.Context) (int, error)      { return 4, nil }
func (f *fakeController) RetryDeadLetters(context.Context) (int, error) { return 0, nil }
func (f *fakeController) Reconnect()                                   { f.reconn++ }

func (f *fakeController) Status(context.Context) terminal.Status {
	return terminal.Status{Name: "x", Role: model.RoleEntry, State: "disconnected"}
}

func TestRunCommands(t *testing.T) {
	c := &fakeController{}
	in := strings.NewReader(strings.Join([]string{
		"557|Lian",
		"558",
		"",
		"student 9|New Kid",
		"flush",
		"resync",
		"retry",
		"reconnect",
		"status",
		"bad|",
		"quit",
		"never-read",
	}, "\n"))
	var out bytes.Buffer

	quit := runCommands(context.Background(), c, in, &out)
	assert.True(t, quit)
	assert.Equal(t, []string{"557|Lian", "558|", "bad|"}, c.produced)
	require.Len(t, c.students, 1)
	assert.Equal(t, "9", c.students[0].ID)
	assert.Equal(t, "New Kid", c.students[0].Name)
	assert.Equal(t, 1, c.flushes)
	assert.Equal(t, 1, c.reconn)

	text := out.String()
	assert.Contains(t, text, "(offline)")
	assert.Contains(t, text, "flush done: 2 processed")
	assert.Contains(t, text, "re-queued 4 records")
	assert.Contains(t, text, `"state": "disconnected"`)
}

func TestRunCommands_ErrorsAndEOF(t *testing.T) {
	c := &fakeController{failNext: errors.New("persistence failure: disk full")}
	var out bytes.Buffer
	quit := runCommands(context.Background(), c, strings.NewReader("1|Ana\n"), &out)
	assert.False(t, quit, "End of input does not stop the terminal")
	assert.Contains(t, out.String(), "error: persistence failure")
	assert.Empty(t, c.produced)
}

package local

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/coderunner/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContainer(t *testing.T) *Container {
	d, err := New(WithDir(t.TempDir()), WithInterpreter("sh"))
	require.NoError(t, err)
	c, err := d.Create(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	return c.(*Container)
}

func upload(t *testing.T, c *Container, path, script string) {
	require.NoError(t, c.Upload(context.Background(), path, strings.NewReader(script)))
}

func TestExec(t *testing.T) {
	c := newContainer(t)
	upload(t, c, "main.sh", "echo hello\necho oops >&2\nexit 3\n")

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	proc, err := c.Exec(context.Background(), driver.ExecRequest{Path: "main.sh", Stdout: stdout, Stderr: stderr})
	require.NoError(t, err)

	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "hello\n", stdout.String())
	assert.Equal(t, "oops\n", stderr.String())
}

func TestExecBeforeStart(t *testing.T) {
	d, err := New(WithDir(t.TempDir()), WithInterpreter("sh"))
	require.NoError(t, err)
	c, err := d.Create(context.Background())
	require.NoError(t, err)

	_, err = c.Exec(context.Background(), driver.ExecRequest{Path: "main.sh"})
	assert.ErrorIs(t, err, driver.ErrNotStarted)
}

func TestUploadStaysInContainer(t *testing.T) {
	c := newContainer(t)
	upload(t, c, "../../escape.txt", "x")

	b, err := os.ReadFile(filepath.Join(c.Dir(), "escape.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	assert.Error(t, c.Upload(context.Background(), "/", strings.NewReader("x")))
}

func TestSignal(t *testing.T) {
	c := newContainer(t)
	upload(t, c, "main.sh", "trap 'exit 42' TERM\necho ready\nwhile true; do sleep 0.05; done\n")

	stdout := &syncBuffer{}
	proc, err := c.Exec(context.Background(), driver.ExecRequest{Path: "main.sh", Stdout: stdout})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(stdout.String(), "ready") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, proc.Signal(context.Background(), driver.SignalTerminate))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := proc.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, res.ExitCode)
}

func TestCancelKills(t *testing.T) {
	c := newContainer(t)
	upload(t, c, "main.sh", "exec sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := c.Exec(ctx, driver.ExecRequest{Path: "main.sh"})
	require.NoError(t, err)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	res, err := proc.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRemove(t *testing.T) {
	c := newContainer(t)
	upload(t, c, "main.sh", "true")
	require.NoError(t, c.Remove(context.Background()))
	_, err := os.Stat(c.Dir())
	assert.True(t, os.IsNotExist(err))
}

type syncBuffer struct {
	m sync.Mutex
	b bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.String()
}

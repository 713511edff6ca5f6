package permission

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	granted   int
	denied    [][]string
	rationale [][]string
	retry     func()
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnAllGranted: func() { r.granted++ },
		OnDenied:     func(missing []string) { r.denied = append(r.denied, missing) },
		OnRationale: func(missing []string, retry func()) {
			r.rationale = append(r.rationale, missing)
			r.retry = retry
		},
	}
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGate_AllGranted(t *testing.T) {
	dev := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(dev, nil, 0o644))

	r := &recorder{}
	g := NewGate([]string{dev, "-", ""}, r.callbacks(), quiet())

	assert.Equal(t, Granted, g.Request())
	assert.Equal(t, 1, r.granted)
	assert.Empty(t, r.denied)
}

func TestGate_ReportsOnce(t *testing.T) {
	r := &recorder{}
	g := NewGate([]string{"-"}, r.callbacks(), quiet())

	g.Request()
	g.Request()

	assert.Equal(t, 1, r.granted)
}

func TestGate_MissingDeviceDenied(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")

	r := &recorder{}
	g := NewGate([]string{missing}, r.callbacks(), quiet())

	assert.Equal(t, Denied, g.Request())
	assert.Equal(t, [][]string{{missing}}, r.denied)
	assert.Zero(t, r.granted)
}

func TestGate_ForbiddenAsksRationaleThenDenies(t *testing.T) {
	r := &recorder{}
	g := NewGate([]string{"/dev/video0"}, r.callbacks(), quiet())
	g.open = func(name string) (*os.File, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}

	assert.Equal(t, RationaleNeeded, g.Request())
	require.Len(t, r.rationale, 1)
	require.NotNil(t, r.retry)

	r.retry()
	assert.Equal(t, [][]string{{"/dev/video0"}}, r.denied)
	assert.Len(t, r.rationale, 1)
}

func TestGate_RetrySucceedsAfterFix(t *testing.T) {
	r := &recorder{}
	g := NewGate([]string{"/dev/video0"}, r.callbacks(), quiet())
	g.open = func(name string) (*os.File, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	g.Request()

	g.open = func(string) (*os.File, error) { return os.Open(os.DevNull) }
	r.retry()

	assert.Equal(t, 1, r.granted)
	assert.Empty(t, r.denied)
}

func TestGate_RetryRunsOnce(t *testing.T) {
	r := &recorder{}
	g := NewGate([]string{"/dev/video0"}, r.callbacks(), quiet())
	g.open = func(name string) (*os.File, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	g.Request()

	r.retry()
	r.retry()

	assert.Len(t, r.denied, 1)
	assert.Zero(t, r.granted)
	assert.Equal(t, Denied, g.Request())
}

func TestGate_RetryUpdatesOutcome(t *testing.T) {
	r := &recorder{}
	g := NewGate([]string{"/dev/video0"}, r.callbacks(), quiet())
	g.open = func(name string) (*os.File, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	require.Equal(t, RationaleNeeded, g.Request())

	g.open = func(string) (*os.File, error) { return os.Open(os.DevNull) }
	r.retry()
	r.retry()

	assert.Equal(t, 1, r.granted)
	assert.Equal(t, Granted, g.Outcome())
}

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatter(t *testing.T) {
	f := NewFormatter(true)
	tf, ok := f.(*logrus.TextFormatter)
	require.True(t, ok, "Formatter should be a text formatter")
	assert.True(t, tf.DisableColors)
	assert.True(t, tf.FullTimestamp)

	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(f)
	logger.WithField("terminal", "A").Info("hello")
	assert.Contains(t, buf.String(), "terminal=A")
	assert.Contains(t, buf.String(), "hello")
}

func TestContextLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()), "Should fall back to standard logger")

	entry := logrus.WithField("component", "test")
	ctx := WithLogger(context.Background(), entry)
	assert.Equal(t, entry, GetLogger(ctx))
	assert.Equal(t, "reconciler", Component("reconciler").Data["component"])
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
		SetLevel("INFO")
		SetFormat("text")
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("WarnLevelFiltersDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")

		Debug("debug message")
		Info("info message")
		Warn("warn message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
	})

	t.Run("InvalidLevelIsIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetLevel("VERBOSE")

		Info("still info")
		assert.Contains(t, buf.String(), "still info")
	})
}

func TestStructuredFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	Info("processing entry", KeyUploadID, "up1", KeyMainfile, "vasp.xml")

	out := buf.String()
	assert.Contains(t, out, "upload_id=up1")
	assert.Contains(t, out, "mainfile=vasp.xml")
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetFormat("json")
	SetLevel("INFO")

	Info("packed upload", KeyUploadID, "up1", KeyCount, 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "packed upload", record["msg"])
	assert.Equal(t, "up1", record[KeyUploadID])
	assert.Equal(t, float64(3), record[KeyCount])
}

func TestContextFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")

	lc := NewLogContext("up1").WithEntry("e1", "dir/main.json").WithProcess("process_upload")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "joined")

	out := buf.String()
	assert.Contains(t, out, "upload_id=up1")
	assert.Contains(t, out, "entry_id=e1")
	assert.Contains(t, out, "mainfile=dir/main.json")
	assert.Contains(t, out, "process=process_upload")
}

func TestContextWithoutLogContext(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	InfoCtx(context.Background(), "bare message")
	assert.Contains(t, buf.String(), "bare message")
}

func TestErrAttr(t *testing.T) {
	assert.True(t, Err(nil).Equal(slog.Attr{}))

	attr := Err(assert.AnError)
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, assert.AnError.Error(), attr.Value.String())
}

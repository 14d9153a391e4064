package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/ministudio/internal/roomlog"
	"github.com/MarcoPoloResearchLab/ministudio/internal/studio"
)

const pushTimeout = 5 * time.Second

var fixedNow = time.Date(2026, 10, 19, 8, 30, 0, 123_000_000, time.UTC)

type harness struct {
	client *Client
	input  *io.PipeWriter
	done   chan error
}

func testConfig() Config {
	var counter atomic.Int64
	return Config{
		PublisherAddress: "127.0.0.1:0",
		KeyPollInterval:  10 * time.Millisecond,
		KeyTimeout:       time.Second,
		Clock:            func() time.Time { return fixedNow },
		NewID: func() (string, error) {
			return fmt.Sprintf("id-%d", counter.Add(1)), nil
		},
	}
}

func startWorker(t *testing.T, cfg Config) *harness {
	t.Helper()
	return startWorkerWriting(t, cfg, nil)
}

// startWorkerWriting lets wrap intercept the worker's output before the client sees it.
func startWorkerWriting(t *testing.T, cfg Config, wrap func(io.Writer) io.Writer) *harness {
	t.Helper()
	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	worker := NewWorker(cfg)
	var out io.Writer = outWriter
	if wrap != nil {
		out = wrap(outWriter)
	}

	h := &harness{
		client: NewClient(inWriter, outReader),
		input:  inWriter,
		done:   make(chan error, 1),
	}
	go func() {
		err := worker.Serve(context.Background(), inReader, out)
		_ = outWriter.Close()
		h.done <- err
	}()
	t.Cleanup(func() {
		_ = inWriter.Close()
		h.drain(t)
	})
	return h
}

// drain ends the session and returns what the worker still pushed.
func (h *harness) drain(t *testing.T) []Push {
	t.Helper()
	_ = h.input.Close()
	var rest []Push
	timeout := time.After(pushTimeout)
	for {
		select {
		case push, ok := <-h.client.Pushes():
			if !ok {
				return rest
			}
			rest = append(rest, push)
		case <-timeout:
			t.Fatalf("worker output did not end")
			return rest
		}
	}
}

// expect skips log pushes and returns the next push, which must carry tag.
func (h *harness) expect(t *testing.T, tag string) Push {
	t.Helper()
	timeout := time.After(pushTimeout)
	for {
		select {
		case push, ok := <-h.client.Pushes():
			require.True(t, ok, "worker output ended while waiting for %s", tag)
			if push.Tag == TagLog {
				continue
			}
			require.Equal(t, tag, push.Tag, "unexpected push with data %s", string(push.Data))
			return push
		case <-timeout:
			t.Fatalf("timed out waiting for %s push", tag)
			return Push{}
		}
	}
}

func (h *harness) ready(t *testing.T, documentDir string) string {
	t.Helper()
	require.NoError(t, h.client.Ready(documentDir, ""))
	invite := h.expect(t, TagInvite).Text()
	require.NotEmpty(t, invite)
	return invite
}

func writeClip(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("frames"), 0o644))
	return path
}

func TestFramingSkipsBlankLinesAndHonorsNoLog(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	_, err := io.WriteString(h.input, "  \n{\"tag\":\"get-videos\",\"data\":{\"noLog\":true}}\n\n")
	require.NoError(t, err)

	rest := h.drain(t)
	require.Len(t, rest, 1)
	assert.Equal(t, TagVideos, rest[0].Tag)
	assert.JSONEq(t, `[]`, string(rest[0].Data))
}

func TestInboundEnvelopesAreEchoed(t *testing.T) {
	h := startWorker(t, testConfig())
	require.NoError(t, h.client.GetMessages(false))

	select {
	case push := <-h.client.Pushes():
		require.Equal(t, TagLog, push.Tag)
		assert.JSONEq(t, `{"tag":"get-messages","data":{"noLog":false}}`, string(push.Data))
	case <-time.After(pushTimeout):
		t.Fatalf("no log push")
	}
	assert.Equal(t, ErrRoomNotFound.Error(), h.expect(t, TagError).Text())
}

func TestProtocolErrorsKeepSessionOpen(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())

	require.NoError(t, h.client.GetVideos(true))
	assert.Equal(t, "Room not found", h.expect(t, TagError).Text())

	_, err := io.WriteString(h.input, "{not json\n")
	require.NoError(t, err)
	assert.Contains(t, h.expect(t, TagError).Text(), "malformed message")

	h.ready(t, documentDir)
	require.NoError(t, h.client.Send("dance", map[string]any{"noLog": true}))
	assert.Equal(t, "Unknown message", h.expect(t, TagError).Text())

	require.NoError(t, h.client.GetVideos(true))
	h.expect(t, TagVideos)
}

func TestAddVideoRejectsNonVideo(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddVideo("notes.txt", writeClip(t, "notes.txt")))
	assert.Equal(t, "Only video files are allowed", h.expect(t, TagError).Text())

	require.NoError(t, h.client.GetVideos(true))
	var videos []studio.Video
	require.NoError(t, h.expect(t, TagVideos).Decode(&videos))
	assert.Empty(t, videos)
}

func TestAddVideoPushesUpdatedList(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddVideo("clip.mp4", writeClip(t, "clip.mp4")))

	var videos []studio.Video
	require.NoError(t, h.expect(t, TagVideos).Decode(&videos))
	require.Len(t, videos, 1)
	assert.Equal(t, "id-1", videos[0].ID)
	assert.Equal(t, "clip.mp4", videos[0].Name)
	assert.Equal(t, "video/mp4", videos[0].Type)
	assert.Equal(t, "2026-10-19T08:30:00.123Z", videos[0].Info["at"])
	assert.NotEmpty(t, videos[0].Link)
}

func TestAddMessageMergesInfo(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddMessage("hello", map[string]any{"author": "ana", "at": "ignored"}))

	var messages []studio.Message
	require.NoError(t, h.expect(t, TagMessages).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, "ana", messages[0].Info["author"])
	assert.Equal(t, "2026-10-19T08:30:00.123Z", messages[0].Info["at"])
}

func TestRequestValidationIsPushed(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.Send(TagReady, map[string]any{"invite": ""}))
	assert.Equal(t, "documentDir is required", h.expect(t, TagError).Text())

	require.NoError(t, h.client.Send(TagAddVideo, map[string]any{"name": "clip.mp4"}))
	message := h.expect(t, TagError).Text()
	assert.Equal(t, "path is required", message)
	assert.NotContains(t, message, "addVideoRequest")
}

func TestEmptyMessageIsAccepted(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddMessage("", nil))

	var messages []studio.Message
	require.NoError(t, h.expect(t, TagMessages).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "", messages[0].Text)
	assert.Equal(t, "2026-10-19T08:30:00.123Z", messages[0].Info["at"])
}

func TestOversizedLineIsRejectedAndSessionContinues(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	huge := `{"tag":"add-message","data":{"text":"` + strings.Repeat("a", maxLineBytes+readBufferSize) + "\"}}\n"
	_, err := io.WriteString(h.input, huge)
	require.NoError(t, err)
	assert.Equal(t, ErrMessageTooLarge.Error(), h.expect(t, TagError).Text())

	require.NoError(t, h.client.GetVideos(true))
	var videos []studio.Video
	require.NoError(t, h.expect(t, TagVideos).Decode(&videos))
	assert.Empty(t, videos)

	require.NoError(t, h.client.GetMessages(true))
	var messages []studio.Message
	require.NoError(t, h.expect(t, TagMessages).Decode(&messages))
	assert.Empty(t, messages)
}

func TestReadLinesFramesTrailingLineWithoutNewline(t *testing.T) {
	lines := make(chan inbound, 4)
	input := "first\n" + strings.Repeat("x", maxLineBytes+1) + "\n  \nlast"
	require.NoError(t, readLines(context.Background(), strings.NewReader(input), lines))

	var got []inbound
	for line := range lines {
		got = append(got, line)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "first", string(got[0].line))
	assert.True(t, got[1].oversized)
	assert.Nil(t, got[1].line)
	assert.Equal(t, "last", string(got[2].line))
}

func TestResetThenResumeIsNotResumable(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	h.ready(t, documentDir)

	require.NoError(t, h.client.Reset(documentDir))
	assert.Equal(t, "", h.expect(t, TagInvite).Text())

	require.NoError(t, h.client.Resume(documentDir))
	assert.Equal(t, "", h.expect(t, TagResumed).Text())

	_, err := os.Stat(StoragePath(documentDir))
	assert.True(t, os.IsNotExist(err), "storage should be removed, stat err %v", err)

	require.NoError(t, h.client.GetVideos(true))
	assert.Equal(t, "Room not found", h.expect(t, TagError).Text())
}

func TestResetWithoutRoomRemovesStorage(t *testing.T) {
	documentDir := t.TempDir()
	storage := StoragePath(documentDir)
	require.NoError(t, os.MkdirAll(storage, 0o755))

	h := startWorker(t, testConfig())
	require.NoError(t, h.client.Reset(documentDir))
	assert.Equal(t, "", h.expect(t, TagInvite).Text())

	require.Eventually(t, func() bool {
		_, err := os.Stat(storage)
		return os.IsNotExist(err)
	}, pushTimeout, 10*time.Millisecond)
}

func TestResumeReopensRoom(t *testing.T) {
	documentDir := t.TempDir()

	first := startWorker(t, testConfig())
	invite := first.ready(t, documentDir)
	require.NoError(t, first.client.AddMessage("kept", nil))
	first.expect(t, TagMessages)
	first.drain(t)
	require.NoError(t, <-first.done)

	second := startWorker(t, testConfig())
	require.NoError(t, second.client.Resume(documentDir))
	resumed := second.expect(t, TagResumed).Text()
	require.NotEmpty(t, resumed)

	originalKey, err := roomlog.ParseInvite(invite)
	require.NoError(t, err)
	resumedKey, err := roomlog.ParseInvite(resumed)
	require.NoError(t, err)
	assert.Equal(t, originalKey, resumedKey)

	require.NoError(t, second.client.GetMessages(true))
	var messages []studio.Message
	require.NoError(t, second.expect(t, TagMessages).Decode(&messages))
	require.Len(t, messages, 1)
	assert.Equal(t, "kept", messages[0].Text)
}

func TestResumeFreshDirectory(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorker(t, testConfig())
	require.NoError(t, h.client.Resume(documentDir))
	assert.Equal(t, "", h.expect(t, TagResumed).Text())
}

func TestPanicEndsSession(t *testing.T) {
	cfg := testConfig()
	cfg.NewID = func() (string, error) { panic("id source exploded") }
	documentDir := t.TempDir()
	h := startWorker(t, cfg)
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddMessage("boom", nil))
	assert.Contains(t, h.expect(t, TagError).Text(), "id source exploded")

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrFatal)
	case <-time.After(pushTimeout):
		t.Fatalf("session did not end after panic")
	}
}

// panicOnTag panics instead of writing any push carrying tag.
type panicOnTag struct {
	io.Writer
	marker []byte
}

func (w panicOnTag) Write(p []byte) (int, error) {
	if bytes.Contains(p, w.marker) {
		panic("push writer exploded")
	}
	return w.Writer.Write(p)
}

func TestPanicWhilePushingChangeEndsSession(t *testing.T) {
	documentDir := t.TempDir()
	h := startWorkerWriting(t, testConfig(), func(out io.Writer) io.Writer {
		return panicOnTag{Writer: out, marker: []byte(`"tag":"messages"`)}
	})
	h.ready(t, documentDir)

	require.NoError(t, h.client.AddMessage("hello", nil))
	assert.Contains(t, h.expect(t, TagError).Text(), "push writer exploded")

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrFatal)
	case <-time.After(pushTimeout):
		t.Fatalf("session did not end after panic")
	}
}

func TestEnvelopeNoLog(t *testing.T) {
	cases := []struct {
		data string
		want bool
	}{
		{data: `{"noLog":true}`, want: true},
		{data: `{"noLog":false}`, want: false},
		{data: `"/tmp/docs"`, want: false},
		{data: ``, want: false},
		{data: `{"noLog":"yes"}`, want: false},
	}
	for _, tc := range cases {
		envelope := Envelope{Tag: TagGetVideos}
		if tc.data != "" {
			envelope.Data = []byte(tc.data)
		}
		assert.Equal(t, tc.want, envelope.NoLog(), "data %q", tc.data)
	}
}

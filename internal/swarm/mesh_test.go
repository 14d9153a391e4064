package swarm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListeningMesh(t *testing.T, peers ...string) *Mesh {
	t.Helper()
	mesh, err := NewMesh(MeshConfig{
		ListenAddress: "127.0.0.1:0",
		Directory:     NewStaticDirectory(peers),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mesh.Close() })
	return mesh
}

type meshMember struct {
	*testLog
	*testBlobs
}

func TestMeshReplicatesEntriesBothWays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	origin := newListeningMesh(t)
	originLog := newTestLog("origin")
	originLog.append("first")
	require.NoError(t, origin.Join(ctx, testTopic, originLog))

	joiner := newListeningMesh(t, origin.Endpoint())
	joinerLog := newTestLog("joiner")
	joinerLog.append("second")
	require.NoError(t, joiner.Join(ctx, testTopic, joinerLog))

	require.Eventually(t, func() bool {
		return originLog.count() == 2 && joinerLog.count() == 2
	}, 5*time.Second, 20*time.Millisecond)

	originLog.append("third")
	require.Eventually(t, func() bool {
		return joinerLog.count() == 3
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMeshFetchesBlobInChunks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner := newListeningMesh(t)
	ownerMember := meshMember{testLog: newTestLog("owner"), testBlobs: newTestBlobs()}
	content := make([]byte, blobChunkSize*2+17)
	for index := range content {
		content[index] = byte(index % 251)
	}
	hash := ownerMember.add(content)
	require.NoError(t, owner.Join(ctx, testTopic, ownerMember))

	reader := newListeningMesh(t, owner.Endpoint())
	require.NoError(t, reader.Join(ctx, testTopic, meshMember{testLog: newTestLog("reader"), testBlobs: newTestBlobs()}))

	var stream io.ReadCloser
	require.Eventually(t, func() bool {
		var err error
		stream, err = reader.FetchBlob(ctx, testTopic, hash)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer stream.Close()

	fetched, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, fetched)
}

func TestMeshFetchUnknownBlob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner := newListeningMesh(t)
	require.NoError(t, owner.Join(ctx, testTopic, newTestBlobs()))
	reader := newListeningMesh(t, owner.Endpoint())
	require.NoError(t, reader.Join(ctx, testTopic, newTestBlobs()))

	_, err := reader.FetchBlob(ctx, testTopic, "0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, ErrBlobUnavailable)
}

func TestMeshIgnoresUnreachablePeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mesh := newListeningMesh(t, "ws://127.0.0.1:1/swarm")
	assert.NoError(t, mesh.Join(ctx, testTopic, newTestLog("solo")))
}

package swarm

const (
	frameHello     = "hello"
	frameJoin      = "join"
	frameLeave     = "leave"
	frameEntries   = "entries"
	frameWantBlob  = "want-blob"
	frameBlobChunk = "blob-chunk"

	entriesBatchSize = 256
	blobChunkSize    = 256 * 1024
)

// frame is the single JSON message shape exchanged over a mesh connection.
type frame struct {
	Type    string  `json:"type"`
	Node    string  `json:"node,omitempty"`
	Topic   string  `json:"topic,omitempty"`
	Entries []Entry `json:"entries,omitempty"`
	Hash    string  `json:"hash,omitempty"`
	Request uint64  `json:"request,omitempty"`
	Chunk   []byte  `json:"chunk,omitempty"`
	EOF     bool    `json:"eof,omitempty"`
	Missing bool    `json:"missing,omitempty"`
}

func batchEntries(entries []Entry) [][]Entry {
	batches := make([][]Entry, 0, len(entries)/entriesBatchSize+1)
	for start := 0; start < len(entries); start += entriesBatchSize {
		end := start + entriesBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[start:end])
	}
	return batches
}

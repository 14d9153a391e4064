package mediatype

import "testing"

func TestFromName(t *testing.T) {
	cases := []struct {
		name     string
		expected string
	}{
		{name: "clip.mp4", expected: "video/mp4"},
		{name: "CLIP.MOV", expected: "video/quicktime"},
		{name: "take-2.webm", expected: "video/webm"},
		{name: "notes.txt", expected: "text/plain"},
		{name: "README", expected: Unknown},
		{name: "archive.unknownext", expected: Unknown},
	}
	for _, tc := range cases {
		if got := FromName(tc.name); got != tc.expected {
			t.Fatalf("FromName(%q) = %q, want %q", tc.name, got, tc.expected)
		}
	}
}

func TestIsVideo(t *testing.T) {
	if !IsVideo(FromName("a.mkv")) {
		t.Fatalf("expected mkv to be video")
	}
	if IsVideo(FromName("a.png")) {
		t.Fatalf("did not expect png to be video")
	}
}

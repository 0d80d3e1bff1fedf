package wire

import "testing"

func TestIsApplication(t *testing.T) {
	cases := []struct {
		mt   MessageType
		want bool
	}{
		{HandshakePunch, false},
		{KeepalivePing, false},
		{Compromised, false},
		{ChatRequest, true},
		{FileDownloadChunk, true},
		{CronResult, true},
		{MessageType(0xFF), false},
	}
	for _, c := range cases {
		if got := c.mt.IsApplication(); got != c.want {
			t.Errorf("%v.IsApplication() = %v, want %v", c.mt, got, c.want)
		}
	}
}

func TestStringUnknown(t *testing.T) {
	got := MessageType(0xEE).String()
	want := "unknown(0xEE)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpectedReply(t *testing.T) {
	reply, ok := ExpectedReply(ChatRequest)
	if !ok || reply != ChatResponse {
		t.Fatalf("expected ChatResponse, got %v ok=%v", reply, ok)
	}
	if _, ok := ExpectedReply(FileList); ok {
		t.Fatal("FileList should not have a fixed reply pairing")
	}
}

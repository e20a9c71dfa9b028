package util

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestHashWriter(t *testing.T) {
	const input = "hello1 hello2 hello3 hello4 hello5abcdefghijklmnopqrstuvwxyz0123456789"
	goalMD5, _ := hex.DecodeString("0101fc798d94a730b0f0bf1bd2cc1959")
	goalSHA256, _ := hex.DecodeString("fef15edd82b33633582c723562d192fec2d2003df12d4aeac89df17c279a1658")
	var w = new(bytes.Buffer)
	hw := NewHashWriter(w)
	hw.Write([]byte(input))
	if !bytes.Equal(hw.MD5(), goalMD5) {
		t.Errorf("Received %x, expected %x", hw.MD5(), goalMD5)
	}
	if !bytes.Equal(hw.SHA256(), goalSHA256) {
		t.Errorf("Received %x, expected %x", hw.SHA256(), goalSHA256)
	}
	if w.String() != input || hw.Len() != int64(len(input)) {
		t.Errorf("Received %q, expected %q", w.String(), input)
	}

	// split writes hash the same
	plain := NewHashWriter(nil)
	plain.Write([]byte(input[:10]))
	plain.Write([]byte(input[10:]))
	if !plain.Same(hw) {
		t.Errorf("Received different hashes for the same data")
	}
	plain.Write([]byte("x"))
	if plain.Same(hw) {
		t.Errorf("Received same hashes for different data")
	}
}

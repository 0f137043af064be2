package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{Flags: 0, Width: 1920, Height: 1080, TimestampUs: 123456789},
		{Flags: FlagKeyframe, Width: 1280, Height: 720, TimestampUs: 0},
		{Flags: FlagAudio, Width: 0, Height: 0, TimestampUs: 18446744073709551},
	}
	payload := []byte("payload-bytes")

	for _, h := range cases {
		buf := EncodeHeader(h, payload)
		gotH, gotPayload, err := DecodeFrame(buf)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if gotH.Flags != h.Flags || gotH.Width != h.Width || gotH.Height != h.Height || gotH.TimestampUs != h.TimestampUs {
			t.Fatalf("header mismatch: got %+v want %+v", gotH, h)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := EncodeHeader(Header{}, nil)
	buf[0] ^= 0xFF
	if _, _, err := DecodeFrame(buf); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	buf := EncodeHeader(Header{}, nil)
	if _, _, err := DecodeFrame(buf[:HeaderSize-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	buf := EncodeHeader(Header{}, []byte("0123456789"))
	// The header declares payload_length=10 but only 5 bytes follow.
	truncated := buf[:HeaderSize+5]
	if _, _, err := DecodeFrame(truncated); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	buf := EncodeHeader(Header{}, nil)
	buf[4] = 99
	if _, err := DecodeHeader(buf); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseInputEventRejectsUnknownTag(t *testing.T) {
	_, err := ParseInputEvent([]byte(`{"t":"zzz","p":{}}`))
	if err != ErrUnknownTag {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestParseInputEventKey(t *testing.T) {
	ev, err := ParseInputEvent([]byte(`{"t":"k","p":{"code":30,"down":true}}`))
	if err != nil {
		t.Fatalf("ParseInputEvent: %v", err)
	}
	if ev.Tag != TagKey || ev.EvdevCode != 30 || !ev.Down {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

package vm

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := GuestRequest{Op: GuestOpExec, Command: []string{"uname", "-r"}, TimeoutS: 5}
	if err := WriteFrame(&buf, &req); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var got GuestRequest
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Op != req.Op || !slices.Equal(got.Command, req.Command) || got.TimeoutS != req.TimeoutS {
		t.Errorf("expected %+v, got %+v", req, got)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(maxWireMessage+1))
	buf.WriteString("{}")

	var v GuestReply
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.WriteString("{}")

	var v GuestReply
	if err := ReadFrame(&buf, &v); err == nil {
		t.Fatal("expected truncated frame to fail")
	}
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/EternisAI/remote-control/internal/command"
)

var when = time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

func sampleMessages() map[string]Message {
	return map[string]Message{
		"hello":   &Hello{Nonce: "c0ffee", AgentName: "DESKTOP-01", ServerTime: when},
		"auth":    &Auth{ClientID: "phone", Token: "header.claims.signature"},
		"auth ok": &AuthOK{SessionID: "9b2f", AgentName: "DESKTOP-01"},
		"open app": &CommandRequest{Request: command.Request{
			ID: 1, Kind: command.KindOpenApp, IssuedAt: when,
			Args: command.Args{App: "notepad", AppArgs: []string{"todo.txt", ""}},
		}},
		"list directory": &CommandRequest{Request: command.Request{
			ID: 2, Kind: command.KindListDirectory, IssuedAt: when,
			Args: command.Args{Path: `C:\Users\User\Desktop`},
		}},
		"shutdown default": &CommandRequest{Request: command.Request{
			ID: 3, Kind: command.KindShutdown, IssuedAt: when,
		}},
		"shutdown zero delay": &CommandRequest{Request: command.Request{
			ID: 0xffffffff, Kind: command.KindShutdown, IssuedAt: when,
			Args: command.Args{DelaySeconds: command.Delay(0)},
		}},
		"launch result": &CommandResult{Result: command.Result{
			RequestID: 1, Kind: command.KindOpenApp, Status: command.StatusOk, CompletedAt: when,
			Launch: &command.AppLaunch{PID: 4242, Message: "notepad.exe started successfully"},
		}},
		"listing result": &CommandResult{Result: command.Result{
			RequestID: 2, Kind: command.KindListDirectory, Status: command.StatusOk, CompletedAt: when,
			Listing: &command.DirectoryListing{
				Path: "/tmp",
				Entries: []command.DirEntry{
					{Name: "document.txt", Size: 1024, ModTime: when},
					{Name: "photos", IsDir: true, ModTime: when.Add(-time.Hour)},
					{Name: "empty"},
				},
				Truncated: true,
			},
		}},
		"empty listing": &CommandResult{Result: command.Result{
			RequestID: 5, Kind: command.KindListDirectory, Status: command.StatusOk,
			Listing: &command.DirectoryListing{Path: "/empty"},
		}},
		"shutdown result": &CommandResult{Result: command.Result{
			RequestID: 3, Kind: command.KindShutdown, Status: command.StatusOk, CompletedAt: when,
			Shutdown: &command.ShutdownSchedule{ScheduledAt: when.Add(60 * time.Second)},
		}},
		"failed result": &CommandResult{Result: command.Result{
			RequestID: 4, Kind: command.KindOpenApp, Status: command.StatusFailed, CompletedAt: when,
			Error: &command.ErrorDetail{Code: command.CodeExecutionFailed, Message: "exec: not found"},
		}},
		"heartbeat":     &Heartbeat{Seq: 7},
		"heartbeat ack": &HeartbeatAck{Seq: 7},
	}
}

func TestRoundTrip(t *testing.T) {
	for name, msg := range sampleMessages() {
		t.Run(name, func(t *testing.T) {
			frame, err := Encode(msg)
			require.NoError(t, err)

			decoded, n, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestRoundTripCompactedArgs(t *testing.T) {
	// A JSON body with "app_args": [] arrives as an empty, non-nil slice.
	req := command.Request{ID: 6, Kind: command.KindOpenApp, IssuedAt: when, Args: command.Args{App: "calc", AppArgs: []string{}}}
	req.Args = req.Args.Compact()

	frame, err := Encode(&CommandRequest{Request: req})
	require.NoError(t, err)
	decoded, _, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, &CommandRequest{Request: req}, decoded)
}

func TestFrameLayout(t *testing.T) {
	frame, err := Encode(&Heartbeat{Seq: 0x01020304})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 6, Version, byte(TypeHeartbeat), 1, 2, 3, 4}, frame)
}

func TestDecodeShortInputNeedsMore(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for length := 0; length < PrefixSize; length++ {
		for i := 0; i < 200; i++ {
			b := make([]byte, length)
			rng.Read(b)
			msg, n, err := Decode(b)
			assert.NoError(t, err)
			assert.Nil(t, msg)
			assert.Zero(t, n)
		}
	}
}

func TestDecodePartialFrameNeedsMore(t *testing.T) {
	frame, err := Encode(sampleMessages()["listing result"])
	require.NoError(t, err)

	for cut := 0; cut < len(frame); cut++ {
		msg, n, err := Decode(frame[:cut])
		require.NoError(t, err, "cut at %d", cut)
		assert.Nil(t, msg)
		assert.Zero(t, n)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	b := binary.BigEndian.AppendUint32(nil, MaxPayloadSize+1)
	_, _, err := Decode(b)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	msg := &Auth{Token: strings.Repeat("x", MaxPayloadSize)}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeUnsupported(t *testing.T) {
	frame, err := Encode(&Heartbeat{Seq: 1})
	require.NoError(t, err)

	badVersion := bytes.Clone(frame)
	badVersion[PrefixSize] = 9
	_, _, err = Decode(badVersion)
	assert.ErrorIs(t, err, ErrUnsupported)

	badType := bytes.Clone(frame)
	badType[PrefixSize+1] = 200
	_, _, err = Decode(badType)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecodeMalformed(t *testing.T) {
	t.Run("short header", func(t *testing.T) {
		b := binary.BigEndian.AppendUint32(nil, 3)
		b = append(b, 1, 2, 3)
		_, _, err := Decode(b)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated body field", func(t *testing.T) {
		body := protowire.AppendTag(nil, reqApp, protowire.BytesType)
		body = protowire.AppendVarint(body, 50)
		body = append(body, "short"...)
		_, _, err := Decode(rawFrame(TypeRequest, 1, body))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("wrong wire type", func(t *testing.T) {
		body := protowire.AppendTag(nil, reqKind, protowire.BytesType)
		body = protowire.AppendString(body, "open")
		_, _, err := Decode(rawFrame(TypeRequest, 1, body))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("result without status", func(t *testing.T) {
		_, _, err := Decode(rawFrame(TypeResult, 1, nil))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("heartbeat with body", func(t *testing.T) {
		_, _, err := Decode(rawFrame(TypeHeartbeat, 1, []byte{1}))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body := encodeAuth(&Auth{ClientID: "phone", Token: "t"})
	body = protowire.AppendTag(body, 99, protowire.VarintType)
	body = protowire.AppendVarint(body, 12345)

	msg, _, err := Decode(rawFrame(TypeAuth, 0, body))
	require.NoError(t, err)
	assert.Equal(t, &Auth{ClientID: "phone", Token: "t"}, msg)
}

func TestDecodeArbitraryBytesNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		size := rng.Intn(64)
		b := make([]byte, PrefixSize+size)
		binary.BigEndian.PutUint32(b, uint32(size))
		rng.Read(b[PrefixSize:])
		if size >= 2 && i%2 == 0 {
			b[PrefixSize] = Version
			b[PrefixSize+1] = byte(rng.Intn(8))
		}
		assert.NotPanics(t, func() { _, _, _ = Decode(b) })
	}
}

func TestDecoderStreamsByteByByte(t *testing.T) {
	var stream []byte
	var want []Message
	for _, name := range []string{"hello", "open app", "listing result", "heartbeat"} {
		msg := sampleMessages()[name]
		frame, err := Encode(msg)
		require.NoError(t, err)
		stream = append(stream, frame...)
		want = append(want, msg)
	}

	var dec Decoder
	var got []Message
	for _, c := range stream {
		dec.Feed([]byte{c})
		msg, err := dec.Next()
		require.NoError(t, err)
		if msg != nil {
			got = append(got, msg)
		}
	}

	assert.Equal(t, want, got)
	assert.Zero(t, dec.Buffered())
}

func TestReader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Heartbeat{Seq: 1}))
	require.NoError(t, WriteMessage(&buf, sampleMessages()["shutdown result"]))

	r := NewReader(io.MultiReader(&buf))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Heartbeat{Seq: 1}, msg)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, sampleMessages()["shutdown result"], msg)

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedStream(t *testing.T) {
	frame, err := Encode(sampleMessages()["open app"])
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-2]))
	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func FuzzDecode(f *testing.F) {
	for _, msg := range sampleMessages() {
		frame, err := Encode(msg)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(frame)
	}
	f.Add([]byte{0, 0, 0})

	f.Fuzz(func(t *testing.T, b []byte) {
		msg, n, err := Decode(b)
		if err != nil {
			return
		}
		if msg == nil {
			if n != 0 {
				t.Fatalf("need-more result consumed %d bytes", n)
			}
			return
		}
		if n > len(b) {
			t.Fatalf("consumed %d of %d bytes", n, len(b))
		}
	})
}

func rawFrame(typ MessageType, id uint32, body []byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(HeaderSize+len(body)))
	b = append(b, Version, byte(typ))
	b = binary.BigEndian.AppendUint32(b, id)
	return append(b, body...)
}

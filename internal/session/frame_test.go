package session

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestCRC16_IsDeterministic(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xFF}
	crc := crc16CCITT(payload)
	if crc16CCITT(payload) != crc {
		t.Fatalf("crc16CCITT is not deterministic")
	}
}

// Scenario 5: a single flipped bit in the payload must change the CRC
// computed over it, so the receive loop rejects the corrupted frame.
func TestCRC16_SingleBitFlipChangesChecksum(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	want := crc16CCITT(payload)

	for bit := 0; bit < 8; bit++ {
		flipped := make([]byte, len(payload))
		copy(flipped, payload)
		flipped[0] ^= 1 << bit
		if crc16CCITT(flipped) == want {
			t.Fatalf("bit flip %d in byte 0 did not change CRC", bit)
		}
	}
}

func TestEncodeDecodeValues_AllElementTypes(t *testing.T) {
	cases := []struct {
		t      ElementType
		values []float64
	}{
		{Int8, []float64{-12, 0, 127}},
		{Uint8, []float64{0, 255}},
		{Int16, []float64{-1000, 1000}},
		{Uint16, []float64{0, 65535}},
		{Int32, []float64{-100000, 100000}},
		{Uint32, []float64{0, 4000000000}},
		{Int64, []float64{-9000000000, 9000000000}},
		{Uint64, []float64{0, 9000000000}},
		{Float32, []float64{1.5, -2.25}},
		{Float64, []float64{1.23456789, -9.87654321}},
	}
	for _, c := range cases {
		encoded, err := encodeValues(c.values, c.t)
		if err != nil {
			t.Fatalf("encode %q: %v", rune(c.t), err)
		}
		decoded, err := decodeValues(encoded, c.t, len(c.values))
		if err != nil {
			t.Fatalf("decode %q: %v", rune(c.t), err)
		}
		for i := range c.values {
			if decoded[i] != c.values[i] && c.t != Float32 {
				t.Fatalf("%q: round-trip %v != %v", rune(c.t), decoded[i], c.values[i])
			}
		}
	}
}

func TestDecodeValues_WrongSizeErrors(t *testing.T) {
	if _, err := decodeValues([]byte{1, 2, 3}, Float64, 1); err == nil {
		t.Fatal("expected error decoding short payload as float64")
	}
}

func newUDPPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return a, b
}

// Scenario 4: handshakes must be rejected when the two sides' declared
// input/output counts don't cross-check.
func TestHandshake_MismatchedCountsRejected(t *testing.T) {
	server, client := newUDPPair(t)
	defer server.Close()
	defer client.Close()

	srv := NewServer(server, Config{
		LocalID: 1, NumOutputs: 2, NumInputs: 3,
		SendType: Float32, MaxAge: time.Second, HandshakeTimeout: time.Second,
	}, nil)
	cli := NewClient(client, server.LocalAddr().(*net.UDPAddr), Config{
		LocalID: 2, NumOutputs: 1 /* mismatch: server expects 3 inputs */, NumInputs: 2,
		SendType: Float32, MaxAge: time.Second, HandshakeTimeout: time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Handshake(ctx) }()
	cliErr := cli.Handshake(ctx)
	srvErr := <-errCh

	if cliErr == nil && srvErr == nil {
		t.Fatal("expected at least one side to reject the mismatched handshake")
	}
}

func TestHandshake_MatchedCountsSucceed(t *testing.T) {
	server, client := newUDPPair(t)
	defer server.Close()
	defer client.Close()

	srv := NewServer(server, Config{
		LocalID: 1, NumOutputs: 2, NumInputs: 3,
		SendType: Float32, MaxAge: time.Second, HandshakeTimeout: time.Second,
	}, nil)
	cli := NewClient(client, server.LocalAddr().(*net.UDPAddr), Config{
		LocalID: 2, NumOutputs: 3, NumInputs: 2,
		SendType: Float32, MaxAge: time.Second, HandshakeTimeout: time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Handshake(ctx) }()
	if err := cli.Handshake(ctx); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

// Scenario 6: stale data must be gated off by GetLatest once older than
// MaxAge, and counted as expired.
func TestGetLatest_FreshnessGating(t *testing.T) {
	e := &Endpoint{cfg: Config{MaxAge: 50 * time.Millisecond}}
	e.latestData = []float64{1, 2, 3}
	e.hasLatest = true
	e.latestTimestamp = time.Now().Add(-100 * time.Millisecond)

	values, ok := e.GetLatest()
	if ok || values != nil {
		t.Fatalf("expected stale data to be gated off, got %v, %v", values, ok)
	}
	if e.stats.PacketsExpired != 1 {
		t.Fatalf("expected packets_expired to increment, got %d", e.stats.PacketsExpired)
	}
}

func TestGetLatest_ClearsOnRead(t *testing.T) {
	e := &Endpoint{cfg: Config{MaxAge: time.Second}}
	e.latestData = []float64{4, 5, 6}
	e.hasLatest = true
	e.latestTimestamp = time.Now()

	values, ok := e.GetLatest()
	if !ok {
		t.Fatal("expected fresh data to be returned")
	}
	if len(values) != 3 {
		t.Fatalf("unexpected values: %v", values)
	}
	if _, ok := e.GetLatest(); ok {
		t.Fatal("expected second read to find the slot cleared")
	}
}

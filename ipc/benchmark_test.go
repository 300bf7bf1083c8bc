package ipc

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/pithecene-io/stepwise/types"
)

// buildTickStream encodes n tick frames into a contiguous byte buffer.
func buildTickStream(b *testing.B, n int) []byte {
	b.Helper()
	var buf bytes.Buffer
	for i := range n {
		frame, err := EncodeFrame(&TickFrame{
			Type: TypeTick,
			Tick: uint64(i + 1),
			State: types.AgentState{
				Position:  types.Vec3{X: float64(i), Y: 64, Z: 0.5},
				Moving:    i%2 == 0,
				Health:    20,
				Food:      20,
				Inventory: map[string]int{"oak_log": 4, "cobblestone": 17},
			},
		})
		if err != nil {
			b.Fatalf("EncodeFrame: %v", err)
		}
		buf.Write(frame)
	}
	return buf.Bytes()
}

func BenchmarkDecodeFrame_Tick(b *testing.B) {
	data := buildTickStream(b, 1)
	payload := data[LengthPrefixSize:]

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		f, err := DecodeFrame(payload)
		if err != nil {
			b.Fatal(err)
		}
		if _, ok := f.(*TickFrame); !ok {
			b.Fatalf("got %T", f)
		}
	}
}

// BenchmarkReadFrame_OneByteReader measures ReadFrame through
// iotest.OneByteReader, the worst case for an unbuffered socket.
func BenchmarkReadFrame_OneByteReader(b *testing.B) {
	data := buildTickStream(b, 20)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		decoder := NewFrameDecoder(iotest.OneByteReader(bytes.NewReader(data)))
		for {
			_, err := decoder.ReadFrame()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}

func BenchmarkEncodeFrame_Tick(b *testing.B) {
	tick := &TickFrame{Type: TypeTick, Tick: 1, State: types.AgentState{Health: 20}}

	b.ReportAllocs()
	for range b.N {
		if _, err := EncodeFrame(tick); err != nil {
			b.Fatal(err)
		}
	}
}

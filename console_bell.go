//go:build !headless

package main

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/oto/v3"
)

const (
	bellSampleRate = 44100
	bellFrequency  = 880
	bellDuration   = bellSampleRate / 8 // samples
	bellVolume     = 0.2
)

// consoleBell plays a short tone through oto whenever the guest sends BEL.
// The player runs continuously; Read emits silence between rings.
type consoleBell struct {
	ctx       *oto.Context
	player    *oto.Player
	remaining atomic.Int64 // samples of tone left to play
	phase     float64
	sampleBuf []float32
	mutex     sync.Mutex
}

func newConsoleBell() (*consoleBell, error) {
	op := &oto.NewContextOptions{
		SampleRate:   bellSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	b := &consoleBell{
		ctx:       ctx,
		sampleBuf: make([]float32, 4096),
	}
	b.player = ctx.NewPlayer(b)
	b.player.Play()
	return b, nil
}

// Ring restarts the tone.
func (b *consoleBell) Ring() {
	b.remaining.Store(bellDuration)
}

func (b *consoleBell) Read(p []byte) (n int, err error) {
	numSamples := len(p) / 4
	if numSamples == 0 {
		return 0, nil
	}
	if len(b.sampleBuf) < numSamples {
		b.sampleBuf = make([]float32, numSamples)
	}
	samples := b.sampleBuf[:numSamples]

	step := 2 * math.Pi * bellFrequency / bellSampleRate
	for i := range samples {
		if b.remaining.Load() <= 0 {
			samples[i] = 0
			continue
		}
		b.remaining.Add(-1)
		if math.Sin(b.phase) >= 0 {
			samples[i] = bellVolume
		} else {
			samples[i] = -bellVolume
		}
		b.phase += step
		if b.phase >= 2*math.Pi {
			b.phase -= 2 * math.Pi
		}
	}

	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), numSamples*4))
	return numSamples * 4, nil
}

func (b *consoleBell) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.player != nil {
		b.player.Close()
		b.player = nil
	}
}

//go:build !headless

// monitor_ebiten.go - windowed monitor backend, adapted from the
// teacher's EbitenOutput.

package device

import (
	"fmt"
	"image"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

// ebitenBackend implements MonitorBackend by running an ebiten game
// loop on its own goroutine and blitting whatever framebuffer bytes
// were last handed to UpdateFrame.
type ebitenBackend struct {
	width, height int

	mu          sync.RWMutex
	frameBuffer []byte

	vsyncChan chan struct{}
	vsyncOnce sync.Once
}

// NewMonitorBackend returns the windowed ebiten-backed implementation
// of MonitorBackend. It is the default backend; builds tagged
// "headless" link monitor_headless.go instead.
func NewMonitorBackend(width, height int) MonitorBackend {
	return &ebitenBackend{
		width:       width,
		height:      height,
		frameBuffer: make([]byte, width*height*4),
		vsyncChan:   make(chan struct{}, 1),
	}
}

func (b *ebitenBackend) Start() error {
	ebiten.SetWindowSize(b.width, b.height)
	ebiten.SetWindowTitle("vm monitor")
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)

	go func() {
		if err := ebiten.RunGame(b); err != nil {
			fmt.Printf("monitor: ebiten exited: %v\n", err)
		}
	}()

	<-b.vsyncChan
	return nil
}

func (b *ebitenBackend) Stop() error {
	return nil
}

func (b *ebitenBackend) UpdateFrame(pixels []byte, width, height int) {
	b.mu.Lock()
	if len(b.frameBuffer) != len(pixels) {
		b.frameBuffer = make([]byte, len(pixels))
	}
	copy(b.frameBuffer, pixels)
	b.mu.Unlock()
}

// Update implements ebiten.Game.
func (b *ebitenBackend) Update() error {
	return nil
}

// Draw implements ebiten.Game.
func (b *ebitenBackend) Draw(screen *ebiten.Image) {
	b.vsyncOnce.Do(func() { b.vsyncChan <- struct{}{} })

	b.mu.RLock()
	defer b.mu.RUnlock()
	img := image.NewRGBA(image.Rect(0, 0, b.width, b.height))
	copy(img.Pix, b.frameBuffer)
	screen.WritePixels(img.Pix)
}

// Layout implements ebiten.Game.
func (b *ebitenBackend) Layout(outsideWidth, outsideHeight int) (int, int) {
	return b.width, b.height
}

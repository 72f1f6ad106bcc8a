// Command ledbadge-upload drives a single image/animation upload to a
// Jieli RCSP LED badge, or queries its status, showing live progress in a
// bubbletea TUI (mirroring the teacher's cmd/cli entry point).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ledbadge-upload/internal/auth"
	"ledbadge-upload/internal/bus"
	"ledbadge-upload/internal/cli/progress"
	"ledbadge-upload/internal/config"
	"ledbadge-upload/internal/rcsp"
	"ledbadge-upload/internal/simbadge"
	"ledbadge-upload/internal/transport"
	"ledbadge-upload/internal/upload"
)

func main() {
	var (
		file      = flag.String("file", "", "path to the image/animation to upload")
		name      = flag.String("name", "BADGE", "on-device file name (max 11 bytes)")
		animation = flag.Bool("animation", false, "upload as an animation instead of a still image")
		status    = flag.Bool("status", false, "query device status instead of uploading")
		timeout   = flag.Duration("timeout", 2*time.Minute, "overall deadline for the operation")
	)
	flag.Parse()

	cfg, err := config.LoadUploadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// No real BLE binding is wired (spec scope excludes GATT discovery/
	// pairing); simbadge stands in behind the same transport.Endpoint/
	// Notifier interfaces a real device would implement.
	tr, cleanup := simbadge.Dial(cfg.DeviceAddress)
	defer cleanup()

	b := bus.New(func(ctx context.Context, payload []byte) error {
		return tr.Write(ctx, transport.DataW, payload)
	})
	if err := tr.SubscribeAll(func(_ transport.Name, payload []byte) {
		b.Arrival(context.Background(), payload)
	}); err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *status {
		runStatus(ctx, tr, b)
		return
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: ledbadge-upload -file <path> [-name NAME] [-animation]")
		os.Exit(2)
	}

	payload, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("reading %s: %v", *file, err)
	}

	kind := upload.MediaStill
	if *animation {
		kind = upload.MediaAnimation
	}

	a := auth.New(tr, b)
	m := upload.New(tr, b, a, upload.NewDefaultRandomSource())
	m.ApplyConfig(cfg)

	progressCh := make(chan upload.Progress, 16)
	doneCh := make(chan progress.Result, 1)

	go func() {
		err := m.Upload(ctx, payload, kind, *name, func(p upload.Progress) {
			select {
			case progressCh <- p:
			default:
			}
		})
		close(progressCh)
		doneCh <- progress.Result{Err: err, DevicePath: m.DevicePath()}
	}()

	model := progress.NewModel(progressCh, doneCh)
	prog := tea.NewProgram(model)
	if _, err := prog.Run(); err != nil {
		log.Fatalf("tui: %v", err)
	}
}

// runStatus performs a read-only RCSP query (feature map, battery,
// screen info) without driving the SessionStateMachine, for diagnostics.
func runStatus(ctx context.Context, tr *transport.Transport, b *bus.Bus) {
	client := rcsp.New(tr, b)

	features, err := client.GetTargetFeatureMap(ctx)
	if err != nil {
		log.Printf("feature map: %v", err)
	} else {
		fmt.Printf("feature map: 0x%08X\n", features)
	}

	status, level, err := client.GetBatteryLevel(ctx)
	if err != nil {
		log.Printf("battery: %v", err)
	} else {
		fmt.Printf("battery: status=0x%02X level=%d%%\n", status, level)
	}

	screen, err := client.GetScreenInfo(ctx)
	if err != nil {
		log.Printf("screen info: %v", err)
	} else {
		fmt.Printf("screen: %dx%d (picture %dx%d), %d bytes of frame memory\n",
			screen.Width, screen.Height, screen.PicWidth, screen.PicHeight, screen.MemSize)
	}
}

// Command devicesim plays the RAK4630 side of the link: it writes sensor
// frames to a serial port and logs the gateway's acknowledgements. Pair it
// with rakgateway over a null-modem cable or a socat pty pair.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"rakgateway/serialcomm"
)

func main() {
	portName := pflag.StringP("port", "p", "/dev/ttyUSB0", "serial port to write to")
	baud := pflag.IntP("baud", "b", 9600, "baud rate")
	count := pflag.IntP("count", "n", 0, "frames to send, 0 for no limit")
	interval := pflag.Duration("interval", 5*time.Second, "delay between frames")
	chunk := pflag.Int("chunk", 20, "bytes per write, to exercise reassembly")
	gap := pflag.Duration("chunk-gap", 50*time.Millisecond, "delay between chunks")
	ackTimeout := pflag.Duration("ack-timeout", 15*time.Second, "how long to wait for an acknowledgement")
	retries := pflag.Int("retries", 3, "attempts per frame")
	pflag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := serialcomm.DefaultSerialConfig()
	cfg.BaudRate = *baud
	cfg.ReadTimeout = time.Second
	port, err := serialcomm.TarmOpener(*portName, cfg)
	if err != nil {
		log.Fatal("open port", zap.String("port", *portName), zap.Error(err))
	}
	defer port.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(port, log)
	sim.chunk = *chunk
	sim.gap = *gap
	sim.ackTimeout = *ackTimeout
	sim.retries = *retries

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for id := 1; *count == 0 || id <= *count; id++ {
		rec := sampleRecord(id, time.Now(), rnd)
		if _, err := sim.exchange(ctx, rec); err != nil {
			log.Error("frame not acknowledged", zap.Int("record_id", id), zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
	log.Info("all frames sent")
}

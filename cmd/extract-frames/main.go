// Command extract-frames writes every frame of a video as image001.jpg,
// image002.jpg, ... ready to be annotated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dj-oyu/pitch-keypoint-annotator/internal/extract"
	"github.com/dj-oyu/pitch-keypoint-annotator/internal/logger"
)

func main() {
	var (
		outDir   string
		quality  int
		logLevel string
		logColor bool
	)

	flag.StringVar(&outDir, "out", "./frames", "Output directory for frame images")
	flag.IntVar(&quality, "quality", extract.DefaultQuality, "JPEG quality (1-100)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&logColor, "log-color", true, "Enable colored log output")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] VIDEO\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, logColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := extract.ExtractWithQuality(ctx, flag.Arg(0), outDir, quality)
	if err != nil {
		logger.Fatal("Main", "Extraction stopped after %d frames: %v", n, err)
	}
	fmt.Printf("%d frames written to %s\n", n, outDir)
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/stacksampler/internal/config"
	"github.com/getsentry/stacksampler/internal/logutil"
	"github.com/getsentry/stacksampler/internal/replay"
	"github.com/getsentry/stacksampler/internal/session"
	"github.com/getsentry/stacksampler/internal/storageprovider"
	"github.com/getsentry/stacksampler/internal/storageutil"
)

// replayFile profiles the trace at path with the configured profiler and
// saves the session to h.
func replayFile(ctx context.Context, cfg config.Profiler, path string, start time.Time, h storageutil.ObjectHandler) (*session.Session, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts.Target = filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := replay.Run(f, opts, start, cfg.Thread)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := s.Save(ctx, h); err != nil {
		return nil, err
	}
	return s, nil
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Println("./tracereplay <trace file>...")
		return
	}

	cfg, err := config.Load(os.Getenv("STACKSAMPLER_CONFIG"))
	if err != nil {
		logutil.ConfigureLogger("info")
		log.Fatal().Err(err).Msg("error loading the configuration")
	}
	logutil.ConfigureLogger(cfg.LogLevel)

	ctx := context.Background()
	h, closer, err := storageprovider.Open(ctx, cfg.Storage.Options())
	if err != nil {
		log.Fatal().Err(err).Msg("error opening the storage")
	}
	defer closer.Close()

	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			log.Err(err).Str("path", path).Msg("can't read trace")
			continue
		}
		s, err := replayFile(ctx, cfg.Profiler, path, info.ModTime(), h)
		if err != nil {
			log.Err(err).Str("path", path).Msg("can't replay trace")
			continue
		}
		log.Info().Str("path", path).Str("session_id", s.ID).Int("samples", s.SampleCount).Msg("trace replayed")
		fmt.Println(s.ID)
	}
}

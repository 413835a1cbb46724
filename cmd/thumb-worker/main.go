package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/config"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/cleanup"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/videojob"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/database"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/storage"
)

const (
	pollInterval  = 5 * time.Second
	batchSize     = 5
	thumbSide     = 400
	jpegQuality   = 85
	downloadLimit = 20 << 20 // 20 MiB per source image
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().Msg("Starting thumb-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	r2, err := storage.NewR2Storage(storage.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		BucketName:      cfg.R2BucketName,
		PublicURL:       cfg.R2PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create R2 storage client")
	}

	repo := videojob.NewRepository(db)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis pub/sub wake-up (polling still runs)
	wake := make(chan struct{}, 1)
	if rdb != nil {
		go subscribeWakeups(ctx, rdb, wake)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("thumb-worker stopped")
			return
		case <-wake:
			// immediate poll
		case <-ticker.C:
		}

		jobs, err := repo.ListMissingThumbnails(ctx, batchSize)
		if err != nil {
			log.Error().Err(err).Msg("DB error while listing jobs")
			continue
		}

		for _, job := range jobs {
			start := time.Now()

			urls, err := processJob(ctx, httpClient, r2, job)
			if err != nil {
				log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Thumbnail generation failed")
				continue
			}

			if err := repo.SetThumbnails(ctx, job.ID, urls); err != nil {
				log.Error().Err(err).Str("job_id", job.ID.String()).Msg("Failed to store thumbnail URLs")
				continue
			}

			log.Info().
				Str("job_id", job.ID.String()).
				Dur("took", time.Since(start)).
				Int("thumbnails", len(urls)).
				Msg("Thumbnails generated")
		}
	}
}

func processJob(ctx context.Context, client *http.Client, st *storage.R2Storage, job *videojob.VideoJob) ([]string, error) {
	prefix := cleanup.JobPrefix(job.UserID, job.ID)

	urls := make([]string, 0, len(job.ImageURLs))
	for i, src := range job.ImageURLs {
		data, err := download(ctx, client, src)
		if err != nil {
			return nil, fmt.Errorf("download image %d: %w", i, err)
		}

		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}

		thumb := imaging.Fit(img, thumbSide, thumbSide, imaging.Lanczos)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, fmt.Errorf("encode thumb %d: %w", i, err)
		}

		key := fmt.Sprintf("%sthumbs/scene%d.jpg", prefix, i+1)
		if err := st.Put(ctx, key, bytes.NewReader(buf.Bytes()), "image/jpeg"); err != nil {
			return nil, fmt.Errorf("upload thumb %d: %w", i, err)
		}

		urls = append(urls, st.GetURL(key))
	}

	return urls, nil
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, downloadLimit))
}

func subscribeWakeups(ctx context.Context, rdb *redis.Client, wake chan<- struct{}) {
	sub := rdb.Subscribe(ctx, videojob.ThumbWakeChannel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ladderflow/betfair"
	"ladderflow/config"
	"ladderflow/internal/dashboard"
	"ladderflow/logger"
	"ladderflow/sink"
	"ladderflow/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	marketID := flag.String("market", "", "Market ID to record (required)")
	outputDir := flag.String("output", "", "Override the sink directory from the config file")
	conflateMs := flag.Int("conflate-ms", -1, "Override the conflation interval in milliseconds")
	fullLadder := flag.Bool("full-ladder", false, "Subscribe to the full depth ladder instead of top levels")
	inPlay := flag.Bool("in-play", false, "Keep recording after the market turns in-play")
	minsBeforeStart := flag.Int("mins-before-start", 0, "Wait until this many minutes before the market start time before recording")

	flag.Parse()

	if *marketID == "" {
		fmt.Fprintln(os.Stderr, "usage: record -market <market id> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if *outputDir != "" {
		cfg.Sink.Dir = *outputDir
	}
	if *conflateMs >= 0 {
		cfg.Session.ConflateMs = *conflateMs
	}
	if *fullLadder {
		cfg.Stream.FullLadder = true
	}

	cfg.Stream.AppKey = strings.TrimSpace(os.Getenv("BETFAIR_APP_KEY"))
	if cfg.Stream.AppKey == "" {
		log.WithEnv("BETFAIR_APP_KEY").Error("application key is not set")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.Ladderflow.Name,
		"version":   cfg.Ladderflow.Version,
		"market_id": *marketID,
	}).Info("starting recorder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	creds := betfair.Credentials{
		Username: os.Getenv("BETFAIR_USERNAME"),
		Password: os.Getenv("BETFAIR_PASSWORD"),
		AppKey:   cfg.Stream.AppKey,
		CertFile: os.Getenv("BETFAIR_CERT_FILE"),
		KeyFile:  os.Getenv("BETFAIR_CERT_KEY_FILE"),
	}

	auth, err := betfair.NewCertAuthenticator(cfg.Stream.LoginURL, creds, cfg.Stream.Timeout)
	if err != nil {
		log.WithError(err).
			WithEnv("BETFAIR_CERT_FILE", "BETFAIR_CERT_KEY_FILE").
			Error("failed to build authenticator")
		os.Exit(1)
	}

	stem := fmt.Sprintf("%s_%s", strings.ReplaceAll(*marketID, ".", "-"), time.Now().UTC().Format("2006-01-02T15-04-05"))
	info, err := lookupMarket(ctx, cfg, auth, *marketID)
	if err != nil {
		log.WithError(err).Warn("catalogue lookup failed, using fallback file name")
	} else {
		stem = info.FileStem()
	}

	if *minsBeforeStart > 0 {
		if info == nil {
			log.Warn("market start time unknown, recording immediately")
		} else if err := waitForStart(ctx, info.StartTime, time.Duration(*minsBeforeStart)*time.Minute, log); err != nil {
			log.Info("interrupted before the market start wait elapsed")
			return
		}
	}

	if err := os.MkdirAll(cfg.Sink.Dir, 0o755); err != nil {
		log.WithError(err).Error("failed to create sink directory")
		os.Exit(1)
	}

	recordPath := filepath.Join(cfg.Sink.Dir, stem+".rec")
	fileSink, err := sink.NewFileSink(recordPath)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": recordPath}).Error("failed to create record file")
		os.Exit(1)
	}

	var snk sink.EventSink = fileSink
	if cfg.Sink.Kafka.Enabled {
		kafkaSink, err := sink.NewKafkaSink(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		snk = sink.NewTee(fileSink, kafkaSink)
	}

	dialer := betfair.NewStreamDialer(cfg.Stream.URL, cfg.Stream.AppKey, cfg.HeartbeatTimeout())
	session := stream.NewSession(cfg, *marketID, auth, stream.DialerFunc(
		func(ctx context.Context, sessionToken string) (stream.Transport, error) {
			return dialer.Dial(ctx, sessionToken)
		}), snk, stream.WithInPlay(*inPlay))

	if srv := dashboard.NewServer(cfg.Dashboard, session, log); srv != nil {
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server stopped")
			}
		}()
	}

	runErr := session.Run(ctx)

	if err := snk.Close(); err != nil {
		log.WithError(err).Error("failed to close sink")
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("recorder stopped with error")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{"path": recordPath}).Info("recorder stopped")
}

// lookupMarket fetches the catalogue entry used for the output file name and
// the pre-start wait. Recording must not depend on the catalogue, so all
// failures are surfaced as warnings by the caller.
func lookupMarket(ctx context.Context, cfg *config.Config, auth *betfair.CertAuthenticator, marketID string) (*betfair.MarketInfo, error) {
	token, err := auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	catalogue := betfair.NewCatalogue(cfg.Stream.CatalogueURL, cfg.Stream.AppKey, cfg.Stream.Timeout)
	return catalogue.MarketInfo(ctx, token, marketID)
}

// waitForStart blocks until lead before the market start time, or returns
// early when ctx is cancelled. A start already inside the lead window
// returns immediately.
func waitForStart(ctx context.Context, start time.Time, lead time.Duration, log *logger.Log) error {
	delay := time.Until(start.Add(-lead))
	if delay <= 0 {
		return nil
	}

	log.WithFields(logger.Fields{
		"market_start": start.UTC().Format(time.RFC3339),
		"wait":         delay.Round(time.Second).String(),
	}).Info("waiting until before market start")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ip-patrol/internal/classify"
	"github.com/sells-group/ip-patrol/internal/model"
	"github.com/sells-group/ip-patrol/internal/resilience"
	"github.com/sells-group/ip-patrol/internal/scheduler"
	"github.com/sells-group/ip-patrol/internal/source"
	"github.com/sells-group/ip-patrol/internal/store"
	"github.com/sells-group/ip-patrol/pkg/anthropic"
	"github.com/sells-group/ip-patrol/pkg/gemini"
	"github.com/sells-group/ip-patrol/pkg/rakuten"
)

// scanEnv holds the store and clients needed by the scan and serve commands.
type scanEnv struct {
	Store      store.Store
	Classifier scheduler.Classifier
	Rakuten    rakuten.Client // nil without rakuten.app_id
}

// Close releases resources held by the scan environment.
func (e *scanEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initScan validates config for mode, then opens the store and builds the
// classifier. Callers should defer env.Close().
func initScan(ctx context.Context, mode string) (*scanEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	classifier, err := newClassifier()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &scanEnv{Store: st, Classifier: classifier}
	if cfg.Rakuten.AppID != "" {
		var opts []rakuten.Option
		if cfg.Rakuten.BaseURL != "" {
			opts = append(opts, rakuten.WithBaseURL(cfg.Rakuten.BaseURL))
		}
		env.Rakuten = rakuten.NewClient(cfg.Rakuten.AppID, opts...)
	}
	return env, nil
}

// newClassifier builds the configured classifier backend wrapped in retry,
// timeout and the optional circuit breaker.
func newClassifier() (*classify.Classifier, error) {
	rubric, err := classify.LoadRubric(cfg.Classifier.RubricPath)
	if err != nil {
		return nil, err
	}

	var provider classify.Provider
	switch cfg.Classifier.Provider {
	case "gemini":
		var opts []gemini.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		provider = classify.NewGeminiProvider(gemini.NewClient(cfg.Gemini.Key, cfg.Gemini.Model, opts...))
	case "anthropic":
		provider = classify.NewAnthropicProvider(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	default:
		return nil, eris.Errorf("unsupported classifier provider: %s", cfg.Classifier.Provider)
	}

	opts := classify.Options{
		Rubric:  rubric,
		Retry:   resilience.FromClassifierConfig(cfg.Classifier),
		Timeout: cfg.Classifier.Timeout(),
	}
	if cfg.Classifier.FetchImages {
		opts.Images = classify.NewHTTPImageFetcher(nil)
	}
	if cbCfg, ok := breakerConfig(provider.Name()); ok {
		opts.Breaker = resilience.NewCircuitBreaker(cbCfg)
	}

	zap.L().Debug("classifier ready",
		zap.String("provider", provider.Name()),
		zap.Bool("images", opts.Images != nil),
		zap.Bool("circuit_breaker", opts.Breaker != nil),
	)
	return classify.New(provider, opts), nil
}

// breakerConfig builds the classifier circuit breaker settings. Only quota,
// timeout and upstream failures count toward opening it; a rejected listing
// does not.
func breakerConfig(provider string) (resilience.CircuitBreakerConfig, bool) {
	cbCfg, ok := resilience.FromCircuitConfig(cfg.Classifier)
	if !ok {
		return cbCfg, false
	}
	cbCfg.ShouldTrip = classify.Retryable
	cbCfg.OnStateChange = resilience.StateLogger(provider)
	return cbCfg, true
}

// scanRequest names what one scan enumerates.
type scanRequest struct {
	ShopURL  string   `json:"shop_url"`
	CSVPaths []string `json:"csv_paths"`
	Owner    string   `json:"owner"`
	Fast     bool     `json:"fast"`
	MaxPages int      `json:"max_pages"`
}

// buildSource resolves a scan request into an enumerator and the session
// metadata it records.
func (e *scanEnv) buildSource(req scanRequest) (source.Enumerator, model.SessionMeta, error) {
	switch {
	case req.ShopURL != "" && len(req.CSVPaths) > 0:
		return nil, model.SessionMeta{}, eris.New("scan: give either a shop URL or CSV files, not both")
	case req.ShopURL != "":
		src, err := e.rakutenSource(req.ShopURL)
		if err != nil {
			return nil, model.SessionMeta{}, err
		}
		return src, model.SessionMeta{Kind: model.SourceRakuten, Target: strings.TrimSpace(req.ShopURL), Owner: req.Owner}, nil
	case len(req.CSVPaths) > 0:
		src, err := csvSource(req.CSVPaths)
		if err != nil {
			return nil, model.SessionMeta{}, err
		}
		return src, model.SessionMeta{Kind: model.SourceCSV, Target: src.Target(), Owner: req.Owner}, nil
	default:
		return nil, model.SessionMeta{}, eris.New("scan: a shop URL or at least one CSV file is required")
	}
}

// resumeSource rebuilds the enumerator of an existing session. CSV sessions
// need the same file set supplied again.
func (e *scanEnv) resumeSource(sess *model.Session, csvPaths []string) (source.Enumerator, error) {
	switch sess.Kind {
	case model.SourceRakuten:
		return e.rakutenSource(sess.Target)
	case model.SourceCSV:
		if len(csvPaths) == 0 {
			return nil, eris.Errorf("resume: session %s scanned files %s; pass them again", sess.ID, sess.Target)
		}
		src, err := csvSource(csvPaths)
		if err != nil {
			return nil, err
		}
		if src.Target() != sess.Target {
			return nil, eris.Errorf("resume: files %s do not match session files %s", src.Target(), sess.Target)
		}
		return src, nil
	default:
		return nil, eris.Errorf("resume: unknown source kind %q", sess.Kind)
	}
}

func (e *scanEnv) rakutenSource(shopURL string) (source.Enumerator, error) {
	if e.Rakuten == nil {
		return nil, eris.New("rakuten.app_id (PATROL_RAKUTEN_APP_ID) is required for shop scans")
	}
	src, err := source.NewRakuten(e.Rakuten, strings.TrimSpace(shopURL), cfg.Rakuten.Hits)
	if err != nil {
		return nil, eris.Wrap(err, "scan: parse shop URL")
	}
	return source.Paced(src, cfg.Rakuten.PageDelay()), nil
}

func csvSource(paths []string) (*source.CSVFiles, error) {
	return source.NewCSVFiles(paths, source.CSVOptions{
		Encoding:   cfg.Scan.CSVEncoding,
		NameColumn: cfg.Scan.CSVNameColumn,
	})
}

// newScheduler builds a scheduler paced for the chosen mode. Shop scans
// default to the configured page cap; file scans run uncapped.
func (e *scanEnv) newScheduler(kind model.SourceKind, req scanRequest, onCommit func(*model.Session, int)) *scheduler.Scheduler {
	conc, delay := cfg.Scan.Pacing(req.Fast)
	maxPages := req.MaxPages
	if maxPages == 0 && kind == model.SourceRakuten {
		maxPages = cfg.Rakuten.MaxPages
	}
	if maxPages < 0 {
		maxPages = 0
	}
	return scheduler.New(e.Store, e.Classifier, scheduler.Options{
		Concurrency: conc,
		GroupDelay:  delay,
		MaxPages:    maxPages,
		OnCommit:    onCommit,
	})
}

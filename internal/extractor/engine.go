// Package extractor renders vendor storefront pages and harvests product
// records from whatever markup they use.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/vendor-sync/internal/browser"
	"github.com/maltedev/vendor-sync/internal/models"
)

const (
	DefaultMaxProducts = 100
	DefaultMaxScrolls  = 10
	DefaultScrollWait  = 1500 * time.Millisecond
)

// Session is a single rendered page owned by one extraction call.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Content() (string, error)
	ScrollToBottom(ctx context.Context) (int, error)
	Close() error
}

// Launcher opens isolated sessions.
type Launcher interface {
	Open(ctx context.Context) (Session, error)
}

type LauncherFunc func(ctx context.Context) (Session, error)

func (f LauncherFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}

// BrowserLauncher adapts a playwright browser to the Launcher interface.
func BrowserLauncher(b *browser.Browser) Launcher {
	return LauncherFunc(func(ctx context.Context) (Session, error) {
		s, err := b.Open(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// SnapshotStore archives rendered HTML.
type SnapshotStore interface {
	Save(ctx context.Context, pageURL string, html []byte) (string, error)
}

type Options struct {
	ScrollToLoad bool
	MaxProducts  int
}

type Config struct {
	MaxScrolls         int
	ScrollWait         time.Duration
	DefaultMaxProducts int
}

type Engine struct {
	launcher   Launcher
	registry   *Registry
	snapshots  SnapshotStore
	maxScrolls int
	scrollWait time.Duration
	defaultMax int
	logger     *slog.Logger
}

func NewEngine(launcher Launcher, registry *Registry, cfg Config, logger *slog.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.MaxScrolls <= 0 {
		cfg.MaxScrolls = DefaultMaxScrolls
	}
	if cfg.ScrollWait < 0 {
		cfg.ScrollWait = DefaultScrollWait
	}
	if cfg.DefaultMaxProducts <= 0 {
		cfg.DefaultMaxProducts = DefaultMaxProducts
	}

	return &Engine{
		launcher:   launcher,
		registry:   registry,
		maxScrolls: cfg.MaxScrolls,
		scrollWait: cfg.ScrollWait,
		defaultMax: cfg.DefaultMaxProducts,
		logger:     logger.With("component", "extractor"),
	}
}

// WithSnapshots archives every rendered page to store.
func (e *Engine) WithSnapshots(store SnapshotStore) *Engine {
	e.snapshots = store
	return e
}

// ExtractProducts renders rawURL in a fresh session and returns at most
// MaxProducts records. The session is closed on every return path, and as
// soon as ctx is done.
func (e *Engine) ExtractProducts(ctx context.Context, rawURL string, opts Options) (products []models.RawProduct, err error) {
	pageURL, err := parseTarget(rawURL)
	if err != nil {
		return nil, newError(rawURL, KindInvalidURL, err)
	}
	if opts.MaxProducts <= 0 {
		opts.MaxProducts = e.defaultMax
	}

	session, err := e.launcher.Open(ctx)
	if err != nil {
		return nil, classify(ctx, rawURL, KindBrowser, fmt.Errorf("failed to open session: %w", err))
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if cerr := session.Close(); cerr != nil {
				e.logger.Warn("failed to close session", "url", rawURL, "error", cerr)
			}
		})
	}
	defer release()
	stop := context.AfterFunc(ctx, release)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			products = nil
			err = newError(rawURL, KindBrowser, fmt.Errorf("panic during extraction: %v", r))
		}
	}()

	if err := session.Navigate(ctx, pageURL.String()); err != nil {
		return nil, classify(ctx, rawURL, KindNavigation, err)
	}

	if opts.ScrollToLoad {
		if err := e.scroll(ctx, session, pageURL, opts.MaxProducts); err != nil {
			return nil, classify(ctx, rawURL, KindBrowser, err)
		}
	}

	html, err := session.Content()
	if err != nil {
		return nil, classify(ctx, rawURL, KindBrowser, err)
	}
	if strings.TrimSpace(html) == "" {
		return nil, newError(rawURL, KindNavigation, fmt.Errorf("page rendered no content"))
	}

	if e.snapshots != nil {
		if key, serr := e.snapshots.Save(ctx, pageURL.String(), []byte(html)); serr != nil {
			e.logger.Warn("failed to archive page snapshot", "url", rawURL, "error", serr)
		} else {
			e.logger.Debug("page snapshot archived", "url", rawURL, "key", key)
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, newError(rawURL, KindBrowser, fmt.Errorf("failed to parse document: %w", err))
	}

	products, strategy := e.registry.Extract(doc, pageURL)
	if len(products) > opts.MaxProducts {
		products = products[:opts.MaxProducts]
	}

	e.logger.Info("extraction finished",
		"url", rawURL,
		"strategy", strategy,
		"products", len(products))

	return products, nil
}

// scroll triggers lazy loading until the page stops growing, enough blocks
// are present, or the iteration bound is hit.
func (e *Engine) scroll(ctx context.Context, session Session, pageURL *url.URL, maxProducts int) error {
	lastHeight := -1

	for i := 0; i < e.maxScrolls; i++ {
		height, err := session.ScrollToBottom(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.scrollWait):
		}

		if height == lastHeight {
			e.logger.Debug("no new content after scroll", "iteration", i+1)
			return nil
		}
		lastHeight = height

		html, err := session.Content()
		if err != nil {
			return err
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return fmt.Errorf("failed to parse document: %w", err)
		}
		if found, _ := e.registry.Extract(doc, pageURL); len(found) >= maxProducts {
			e.logger.Debug("enough products loaded", "iteration", i+1, "found", len(found))
			return nil
		}
	}

	return nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

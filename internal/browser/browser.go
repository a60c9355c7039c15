package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ErrNavigationTimeout is wrapped into navigation errors caused by the page
// not settling within the configured timeout.
var ErrNavigationTimeout = errors.New("navigation timed out")

// Browser owns one playwright driver and one Chromium process. Every Open
// call gets its own BrowserContext so cookies and storage never leak
// between vendors.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless          bool
	Timeout           time.Duration
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	ProxyServer       string
	ExtraHeaders      map[string]string
	NavigationRetries int
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "UTC",
		Locale:         "en-US",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		NavigationRetries: 2,
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  logger.With("component", "browser"),
	}, nil
}

// Open starts an isolated session. The caller must Close it.
func (b *Browser) Open(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(b.opts.ExtraHeaders)+1)
	for k, v := range b.opts.ExtraHeaders {
		headers[k] = v
	}
	if b.opts.AcceptLanguage != "" {
		headers["Accept-Language"] = b.opts.AcceptLanguage
	}

	bctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:         &b.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		TimezoneId:        &b.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return &Session{
		context: bctx,
		page:    page,
		timeout: b.opts.Timeout,
		retries: b.opts.NavigationRetries,
		logger:  b.logger,
	}, nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Session is one BrowserContext with a single page.
type Session struct {
	context playwright.BrowserContext
	page    playwright.Page
	timeout time.Duration
	retries int
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Navigate loads url and waits for network activity to settle.
func (s *Session) Navigate(ctx context.Context, url string) error {
	var lastErr error

	for i := 0; i <= s.retries; i++ {
		if i > 0 {
			s.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}

		_, err := s.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   playwright.Float(float64(s.timeout.Milliseconds())),
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, playwright.ErrTimeout) {
			lastErr = fmt.Errorf("%w: %v", ErrNavigationTimeout, err)
		} else {
			lastErr = err
		}
		s.logger.Warn("navigation failed", "error", err, "attempt", i+1, "url", url)
	}

	return fmt.Errorf("failed after %d attempts: %w", s.retries+1, lastErr)
}

// Content returns the rendered DOM as HTML.
func (s *Session) Content() (string, error) {
	html, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// ScrollToBottom scrolls to the end of the document and returns its height.
func (s *Session) ScrollToBottom(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	result, err := s.page.Evaluate(`() => {
		window.scrollTo(0, document.body.scrollHeight);
		return document.body.scrollHeight;
	}`)
	if err != nil {
		return 0, fmt.Errorf("failed to scroll page: %w", err)
	}

	switch h := result.(type) {
	case int:
		return h, nil
	case int64:
		return int(h), nil
	case float64:
		return int(h), nil
	default:
		return 0, fmt.Errorf("unexpected scroll height type %T", result)
	}
}

// Close releases the page and its context. It is safe to call more than once
// and from more than one goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.context != nil {
			if err := s.context.Close(); err != nil {
				s.closeErr = fmt.Errorf("failed to close context: %w", err)
			}
		}
	})
	return s.closeErr
}

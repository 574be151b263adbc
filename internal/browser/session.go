// Package browser provides the Chrome instance a page agent drives: either a
// local persistent profile or a docker container reached over CDP.
package browser

import (
	"fmt"
	"io"
	"log"

	"github.com/playwright-community/playwright-go"
)

// SessionOptions selects how Chrome is obtained
type SessionOptions struct {
	Headless bool
	// ProfileDir is the persistent user data directory for local launches
	ProfileDir string
	// CDPURL connects to an already running Chrome instead of launching one
	CDPURL string
}

// Session owns one Playwright driver, one browser context and the page the
// agent works on
type Session struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	Page    playwright.Page
}

// StartSession starts Playwright and opens a page
func StartSession(opts SessionOptions) (*Session, error) {
	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		// a remote Chrome needs only the driver
		SkipInstallBrowsers: opts.CDPURL != "",
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	s := &Session{pw: pw}

	if opts.CDPURL != "" {
		err = s.connect(opts.CDPURL)
	} else {
		err = s.launch(opts)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(cdpURL string) error {
	browser, err := s.pw.Chromium.ConnectOverCDP(cdpURL)
	if err != nil {
		return fmt.Errorf("failed to connect over CDP: %w", err)
	}
	s.browser = browser

	if contexts := browser.Contexts(); len(contexts) > 0 {
		s.context = contexts[0]
	} else {
		bctx, err := browser.NewContext()
		if err != nil {
			return fmt.Errorf("failed to create context: %w", err)
		}
		s.context = bctx
	}
	return s.openPage()
}

func (s *Session) launch(opts SessionOptions) error {
	bctx, err := s.pw.Chromium.LaunchPersistentContext(opts.ProfileDir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		return fmt.Errorf("failed to launch chrome with profile %s: %w", opts.ProfileDir, err)
	}
	s.context = bctx
	return s.openPage()
}

func (s *Session) openPage() error {
	if pages := s.context.Pages(); len(pages) > 0 {
		s.Page = pages[0]
		return nil
	}
	page, err := s.context.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	s.Page = page
	return nil
}

// Navigate loads url and waits for the DOM
func (s *Session) Navigate(url string) error {
	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := s.Page.Goto(url, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	log.Printf("🌐 Page loaded: %s", s.Page.URL())
	return nil
}

// Close tears down everything the session started
func (s *Session) Close() error {
	if s.context != nil {
		_ = s.context.Close()
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.pw != nil {
		return s.pw.Stop()
	}
	return nil
}

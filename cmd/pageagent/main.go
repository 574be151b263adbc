package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shehryarbajwa/tabrelay/internal/actuator"
	"github.com/shehryarbajwa/tabrelay/internal/browser"
	"github.com/shehryarbajwa/tabrelay/internal/config"
	"github.com/shehryarbajwa/tabrelay/internal/profile"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg.Agent); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Page agent stopped: %v", err)
	}
	log.Println("✅ Page agent stopped cleanly")
}

func run(ctx context.Context, ac config.AgentConfig) error {
	profileDir, err := filepath.Abs(ac.ProfileDir)
	if err != nil {
		return fmt.Errorf("invalid profile directory: %w", err)
	}

	var store *profile.Store
	if ac.ProfileArchive != "" {
		store = profile.NewStore(ac.ProfileArchive)
		restored, err := store.Restore(profileDir)
		if err != nil {
			return err
		}
		if !restored {
			log.Printf("No saved profile at %s, starting fresh", store.Path())
		}
	}

	opts := browser.SessionOptions{
		Headless:   ac.Headless,
		ProfileDir: profileDir,
	}

	td := &teardown{}
	defer td.run()

	if ac.BrowserMode == config.BrowserDocker {
		launcher, err := browser.NewContainerLauncher()
		if err != nil {
			return err
		}
		td.stopChrome = launcher.Close

		log.Println("⏳ Ensuring Chrome image is available...")
		if err := launcher.EnsureImage(ctx); err != nil {
			return err
		}
		chrome, err := launcher.Launch(ctx, profileDir)
		if err != nil {
			return err
		}
		td.stopChrome = func() error {
			defer launcher.Close()
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return launcher.Stop(stopCtx, chrome)
		}
		opts.CDPURL = chrome.ConnectURL
	}

	session, err := browser.StartSession(opts)
	if err != nil {
		return err
	}
	td.closeSession = session.Close
	if store != nil {
		td.saveProfile = func() error { return store.Save(profileDir) }
	}

	if err := session.Navigate(ac.PageURL); err != nil {
		return err
	}

	act := actuator.NewPlaywrightActuator(session.Page, actuator.Selectors{
		Input:    ac.SelectorInput,
		Send:     ac.SelectorSend,
		Response: ac.SelectorResponse,
	})

	dialer, err := actuator.NewHubDialer(ac.HubURL, session.Page.URL(), "")
	if err != nil {
		return err
	}

	agent := actuator.NewAgent(act, actuator.AgentOptions{SettleDelay: ac.SettleDelay})
	log.Printf("⏳ Waiting for the prompt box on %s", ac.PageURL)
	return agent.Run(ctx, dialer, ac.ReattachDelay)
}

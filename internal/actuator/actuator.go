// Package actuator drives the chat page: it types prompts, presses send and
// watches for the answer. Selectors are page specific and come from config.
package actuator

import (
	"context"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const clickPollInterval = 100 * time.Millisecond

// Actuator executes commands against one page. Operations report success as a
// bool and never panic on a missing element.
type Actuator interface {
	InputPresent() bool
	SetInput(ctx context.Context, text string) bool
	ClickSend(ctx context.Context) bool
	LatestResponse() (string, bool)
}

// Selectors locate the elements the actuator needs
type Selectors struct {
	Input    string
	Send     string
	Response string
}

// setInputScript writes text into a contenteditable prompt box and fires the
// input event the page listens for
const setInputScript = `([selector, text]) => {
	const el = document.querySelector(selector);
	if (!el) return false;
	el.focus();
	el.textContent = text;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	return true;
}`

// PlaywrightActuator implements Actuator on a Playwright page
type PlaywrightActuator struct {
	page playwright.Page
	sel  Selectors
}

// NewPlaywrightActuator wraps page
func NewPlaywrightActuator(page playwright.Page, sel Selectors) *PlaywrightActuator {
	return &PlaywrightActuator{page: page, sel: sel}
}

// InputPresent reports whether the prompt box is on the page
func (a *PlaywrightActuator) InputPresent() bool {
	el, err := a.page.QuerySelector(a.sel.Input)
	return err == nil && el != nil
}

// SetInput replaces the prompt box text
func (a *PlaywrightActuator) SetInput(ctx context.Context, text string) bool {
	result, err := a.page.Evaluate(setInputScript, []interface{}{a.sel.Input, text})
	if err != nil {
		return false
	}
	ok, _ := result.(bool)
	return ok
}

// ClickSend waits until the send button exists and is enabled, then clicks it.
// It gives up only when ctx ends.
func (a *PlaywrightActuator) ClickSend(ctx context.Context) bool {
	ticker := time.NewTicker(clickPollInterval)
	defer ticker.Stop()

	for {
		button, err := a.page.QuerySelector(a.sel.Send)
		if err == nil && button != nil {
			enabled, err := button.IsEnabled()
			if err == nil && enabled {
				return button.Click() == nil
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// LatestResponse returns the trimmed text of the last response container
func (a *PlaywrightActuator) LatestResponse() (string, bool) {
	elements, err := a.page.QuerySelectorAll(a.sel.Response)
	if err != nil || len(elements) == 0 {
		return "", false
	}
	text, err := elements[len(elements)-1].TextContent()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(text), true
}

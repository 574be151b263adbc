package main

import "log"

// teardown releases the browser in a fixed order. Chrome must have stopped
// writing to the profile before it is archived, and over CDP closing the
// session only disconnects, so the container is stopped in between.
type teardown struct {
	closeSession func() error
	stopChrome   func() error
	saveProfile  func() error
}

func (t *teardown) run() {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"close browser", t.closeSession},
		{"stop chrome container", t.stopChrome},
		{"save profile", t.saveProfile},
	}
	for _, step := range steps {
		if step.fn == nil {
			continue
		}
		if err := step.fn(); err != nil {
			log.Printf("⚠️ Failed to %s: %v", step.name, err)
		}
	}
	*t = teardown{}
}

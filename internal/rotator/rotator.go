package rotator

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// Mode selects how the next template is chosen.
type Mode string

const (
	// Sequential walks the list in order and wraps around.
	Sequential Mode = "sequential"
	// Random draws uniformly with replacement.
	Random Mode = "random"
)

// ErrEmpty is returned when a rotator is loaded with, or used without, templates.
var ErrEmpty = errors.New("rotator: message list is empty")

// placeholderRe matches {{key}} and {key}. Spin syntax such as {a|b} is left alone.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}|\{\s*([A-Za-z0-9_]+)\s*\}`)

// Rotator hands out message templates for a single campaign run.
type Rotator struct {
	mode      Mode
	templates []message.Template
	next      int
	rng       *rand.Rand
	mu        sync.Mutex
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Sequential, "":
		return Sequential, nil
	case Random:
		return Random, nil
	}
	return "", fmt.Errorf("unknown rotation mode %q", s)
}

// New creates an empty rotator.
func New(mode Mode) *Rotator {
	if mode == "" {
		mode = Sequential
	}
	return &Rotator{
		mode: mode,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Load replaces the template list and rewinds the rotator.
func (r *Rotator) Load(templates []message.Template) error {
	if len(templates) == 0 {
		return ErrEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.templates = append([]message.Template(nil), templates...)
	r.next = 0
	return nil
}

// Len returns the number of loaded templates.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.templates)
}

// Seek positions a sequential rotator at n modulo the list length.
func (r *Rotator) Seek(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.templates) == 0 || n < 0 {
		return
	}
	r.next = n % len(r.templates)
}

// Next returns the next raw template.
func (r *Rotator) Next() (message.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.templates) == 0 {
		return message.Template{}, ErrEmpty
	}

	if r.mode == Random {
		return r.templates[r.rng.Intn(len(r.templates))], nil
	}

	t := r.templates[r.next]
	r.next = (r.next + 1) % len(r.templates)
	return t, nil
}

// RenderNext returns the next template with placeholders substituted.
// Media templates only have their caption rendered.
func (r *Rotator) RenderNext(vars map[string]string) (message.Template, error) {
	t, err := r.Next()
	if err != nil {
		return t, err
	}

	if t.IsMedia() {
		t.Caption = Render(t.Caption, vars)
	} else {
		t.Text = Render(t.Text, vars)
	}
	return t, nil
}

// Render substitutes {key} and {{key}} placeholders. Keys match
// case-insensitively; unknown placeholders are kept verbatim.
func Render(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}

	lookup := make(map[string]string, len(vars))
	for k, v := range vars {
		lookup[strings.ToLower(k)] = v
	}

	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		key := sub[1]
		if key == "" {
			key = sub[2]
		}
		if v, ok := lookup[strings.ToLower(key)]; ok {
			return v
		}
		return match
	})
}

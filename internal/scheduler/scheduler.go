// Package scheduler advances the time-of-day strategy profile. States are
// the configured trading windows plus an idle state outside them; transitions
// fire on wall-clock time alone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kospibot/daytrader/internal/config"
	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/kospibot/daytrader/internal/pkg/logger"
)

// Profile is one named trading window with its strategy weights. Read-only
// after load.
type Profile struct {
	Name       string
	Start      int // minutes since midnight, inclusive
	End        int // exclusive
	Strategies map[string]float64
}

// Scheduler resolves the active profile for the current wall-clock time and
// notifies listeners on every transition. A nil active profile means idle.
type Scheduler struct {
	profiles []Profile
	now      func() time.Time
	log      *slog.Logger

	mu        sync.RWMutex
	active    *Profile
	listeners []func(*Profile)
}

func New(cfgs []config.ProfileConfig) (*Scheduler, error) {
	profiles := make([]Profile, 0, len(cfgs))
	for _, pc := range cfgs {
		start, err := parseClock(pc.Start)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrConfig, "profile %q: bad start %q", pc.Name, pc.Start)
		}
		end, err := parseClock(pc.End)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrConfig, "profile %q: bad end %q", pc.Name, pc.End)
		}
		if end <= start {
			return nil, apperrors.Newf(apperrors.ErrConfig, "profile %q: window ends before it starts", pc.Name)
		}
		weights := make(map[string]float64, len(pc.Strategies))
		for name, w := range pc.Strategies {
			weights[name] = w
		}
		profiles = append(profiles, Profile{Name: pc.Name, Start: start, End: end, Strategies: weights})
	}
	return &Scheduler{
		profiles: profiles,
		now:      time.Now,
		log:      logger.Component("scheduler"),
	}, nil
}

// SetClock overrides the time source; tests drive transitions directly.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Subscribe registers a transition listener. Listeners run synchronously on
// the scheduler goroutine; they receive nil when the schedule goes idle.
func (s *Scheduler) Subscribe(fn func(*Profile)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Resolve returns the profile applicable at t, or nil outside every window.
// Overlapping windows resolve to the first configured match; gaps resolve to
// idle rather than inheriting the previous window.
func (s *Scheduler) Resolve(t time.Time) *Profile {
	minutes := t.Hour()*60 + t.Minute()
	for i := range s.profiles {
		p := &s.profiles[i]
		if minutes >= p.Start && minutes < p.End {
			return p
		}
	}
	return nil
}

// Active returns the currently published profile (nil when idle).
func (s *Scheduler) Active() *Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Run evaluates the schedule once immediately (a process started mid-window
// adopts that window's profile directly) and then on every clock tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.step()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Scheduler) step() {
	next := s.Resolve(s.now())

	s.mu.Lock()
	cur := s.active
	if profileName(cur) == profileName(next) {
		s.mu.Unlock()
		return
	}
	s.active = next
	listeners := make([]func(*Profile), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.log.Info("profile transition", "from", profileName(cur), "to", profileName(next))
	for _, fn := range listeners {
		fn(next)
	}
}

func profileName(p *Profile) string {
	if p == nil {
		return "idle"
	}
	return p.Name
}

func parseClock(v string) (int, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", v)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", v)
	}
	return hh*60 + mm, nil
}

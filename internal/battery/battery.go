// Package battery samples the battery voltage on a schedule and publishes
// the voltage with an estimated charge level.
package battery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
)

const (
	// DefaultSchedule is the sampling cadence.
	DefaultSchedule = "@every 5m"
	// DefaultInitialDelay is the wait before the first sample after Start.
	DefaultInitialDelay = time.Second
)

// LevelPoint is one point of a discharge curve: Pptt parts per ten thousand
// at MilliVolts.
type LevelPoint struct {
	Pptt       int
	MilliVolts int
}

// DefaultCurve treats the supervisor cut-off at 3500 mV as empty.
var DefaultCurve = []LevelPoint{
	{Pptt: 10000, MilliVolts: 4150},
	{Pptt: 0, MilliVolts: 3500},
}

// Sampler measures the battery voltage.
type Sampler interface {
	SampleMillivolts() (int, error)
}

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether schedule is a cron spec (optional seconds
// field) or a descriptor such as "@every 5m".
func ValidateSchedule(schedule string) error {
	_, err := scheduleParser.Parse(schedule)
	return err
}

// LevelPptt interpolates the charge level in parts per ten thousand. The
// curve is ordered from the highest voltage down and ends at 0 pptt.
func LevelPptt(mv int, curve []LevelPoint) int {
	if len(curve) == 0 {
		return 0
	}
	if mv >= curve[0].MilliVolts {
		return curve[0].Pptt
	}

	i := 0
	for curve[i].Pptt > 0 && mv < curve[i].MilliVolts && i < len(curve)-1 {
		i++
	}
	below := curve[i]
	if mv < below.MilliVolts || i == 0 {
		return below.Pptt
	}

	above := curve[i-1]
	return below.Pptt + (above.Pptt-below.Pptt)*(mv-below.MilliVolts)/(above.MilliVolts-below.MilliVolts)
}

// Manager samples the battery and publishes BatterySample events.
type Manager struct {
	sampler      Sampler
	channel      *bus.Channel[events.BatterySample]
	schedule     string
	initialDelay time.Duration
	curve        []LevelPoint
	logger       *logrus.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	initial *time.Timer
	last    events.BatterySample
	sampled bool
}

// NewManager validates schedule and creates a manager. An empty schedule
// uses DefaultSchedule.
func NewManager(sampler Sampler, channel *bus.Channel[events.BatterySample], schedule string, logger *logrus.Logger) (*Manager, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, fmt.Errorf("invalid battery schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		sampler:      sampler,
		channel:      channel,
		schedule:     schedule,
		initialDelay: DefaultInitialDelay,
		curve:        DefaultCurve,
		logger:       logger,
	}, nil
}

// Start takes a first sample after the initial delay, then samples on the
// schedule until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(scheduleParser), cron.WithLogger(cronLogger{m.logger}))
	if _, err := c.AddFunc(m.schedule, m.sampleAndLog); err != nil {
		return fmt.Errorf("schedule battery sampling: %w", err)
	}
	c.Start()
	m.cron = c
	m.initial = time.AfterFunc(m.initialDelay, m.sampleAndLog)

	context.AfterFunc(ctx, m.Stop)

	m.logger.WithField("schedule", m.schedule).Info("Battery sampling started")
	return nil
}

// Stop halts sampling and waits for a running sample to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	if m.initial != nil {
		m.initial.Stop()
	}
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// SampleNow measures and publishes immediately.
func (m *Manager) SampleNow() (events.BatterySample, error) {
	mv, err := m.sampler.SampleMillivolts()
	if err != nil {
		return events.BatterySample{}, fmt.Errorf("sample battery: %w", err)
	}
	if mv < 0 {
		return events.BatterySample{}, fmt.Errorf("sample battery: negative reading %d mV", mv)
	}

	pptt := LevelPptt(mv, m.curve)
	sample := events.BatterySample{MilliVolts: mv, Percent: pptt / 100}

	m.mu.Lock()
	m.last = sample
	m.sampled = true
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"mv":   mv,
		"pptt": pptt,
	}).Debug("Battery sampled")

	if err := m.channel.Publish(sample); err != nil {
		return sample, err
	}
	return sample, nil
}

// Last returns the most recent sample.
func (m *Manager) Last() (events.BatterySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sampled
}

func (m *Manager) sampleAndLog() {
	if _, err := m.SampleNow(); err != nil {
		m.logger.WithError(err).Error("Battery sample failed")
	}
}

type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Trace(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// SysfsSampler reads voltage_now (microvolts) of a Linux power supply.
type SysfsSampler struct {
	dir string
}

// NewSysfsSampler returns a sampler for the power supply directory dir.
func NewSysfsSampler(dir string) *SysfsSampler {
	return &SysfsSampler{dir: dir}
}

func (s *SysfsSampler) SampleMillivolts() (int, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "voltage_now"))
	if err != nil {
		return 0, fmt.Errorf("read battery voltage: %w", err)
	}
	uv, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse battery voltage: %w", err)
	}
	return uv / 1000, nil
}

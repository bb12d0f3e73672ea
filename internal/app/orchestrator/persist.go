package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
)

// persister is the single writer of the orchestrator snapshot file. Writes
// are debounced so a burst of state changes costs one write.
type persister struct {
	path     string
	debounce time.Duration
	engine   *Engine
	log      *logging.Logger

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newPersister(path string, debounce time.Duration, engine *Engine, log *logging.Logger) *persister {
	return &persister{
		path:     path,
		debounce: debounce,
		engine:   engine,
		log:      log,
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *persister) start() {
	go p.loop()
}

func (p *persister) stop() {
	close(p.quit)
	<-p.done
}

// schedule requests a write after the debounce window.
func (p *persister) schedule() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer close(p.done)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-p.kick:
			if timer == nil {
				timer = time.NewTimer(p.debounce)
				fire = timer.C
			}
		case <-fire:
			timer = nil
			fire = nil
			p.write()
		case <-p.quit:
			if timer != nil {
				timer.Stop()
			}
			p.write()
			return
		}
	}
}

// write serialises every instance to the snapshot file.
func (p *persister) write() {
	if p.path == "" {
		return
	}
	instances := p.engine.List()

	buf, err := json.MarshalIndent(instances, "", "  ")
	if err != nil {
		p.log.WithError(err).Error("snapshot encode failed")
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.log.WithError(err).Error("snapshot directory create failed")
		return
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		p.log.WithError(err).Error("snapshot write failed")
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.log.WithError(err).Error("snapshot rename failed")
	}
}

// loadSnapshot restores instances from disk. Orchestrators recovered in an
// active state resume polling under _resume_status; prompts already
// observed in transcripts are not re-dispatched. Error instances stay as
// they were.
func (e *Engine) loadSnapshot() error {
	if e.cfg.DataFile == "" {
		return nil
	}
	buf, err := os.ReadFile(e.cfg.DataFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var instances []*Instance
	if err := json.Unmarshal(buf, &instances); err != nil {
		e.log.WithError(err).Warn("snapshot unreadable; starting fresh")
		return nil
	}

	e.mu.Lock()
	for _, inst := range instances {
		if inst == nil || inst.ID == "" {
			continue
		}
		if inst.Status.IsActive() {
			inst.ResumeStatus = string(inst.Status)
		}
		inst.mainOffset = 0
		e.instances[inst.ID] = inst
	}
	e.mu.Unlock()

	// Resume runs after load so handlers observe a consistent map.
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		switch inst.Status {
		case StatusAnalyzing, StatusPlanning:
			ctx, cancel := context.WithCancel(context.Background())
			e.mu.Lock()
			e.runCancel[inst.ID] = cancel
			e.mu.Unlock()
			go e.runAnalysisAndPlanning(ctx, inst.ID, false)
		case StatusSpawning, StatusRunning:
			skip := make(map[string]struct{})
			for _, w := range inst.Workers {
				if w.Status == WorkerCompleted {
					skip[w.TaskID] = struct{}{}
				}
			}
			ctx, cancel := context.WithCancel(context.Background())
			e.mu.Lock()
			e.runCancel[inst.ID] = cancel
			e.mu.Unlock()
			go e.runExecution(ctx, inst.ID, skip)
		}
	}
	return nil
}

package lending

import (
	"time"
)

// StartMonitor launches the background lending monitor daemon described in
// §4.2: every MonitorIntervalMS it reads each owner's real-time
// utilisation via the injected device.Monitor and triggers reclaim
// automatically. It is a no-op if no monitor was configured or the
// monitor is already running, and can be stopped independently of request
// processing via StopMonitor.
func (p *Pool) StartMonitor() {
	p.mu.Lock()
	if p.monitor == nil || p.monitoring {
		p.mu.Unlock()
		return
	}
	p.monitoring = true
	p.stopMonitor = make(chan struct{})
	p.monitorDone = make(chan struct{})
	interval := time.Duration(p.cfg.MonitorIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	p.mu.Unlock()

	go p.monitorLoop(interval)
}

func (p *Pool) monitorLoop(interval time.Duration) {
	defer close(p.monitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopMonitor:
			return
		case <-ticker.C:
			p.monitorTick()
		}
	}
}

func (p *Pool) monitorTick() {
	for _, b := range p.registry.All() {
		usage, err := p.monitor.VRAMUsage(b.GPUID)
		if err != nil {
			p.log.Warnf("monitor: vram_usage(%d) failed: %v", b.GPUID, err)
			continue
		}
		switch {
		case usage >= p.cfg.CriticalThreshold:
			if _, err := p.Reclaim(b.GPUID, UrgencyCritical, 0); err != nil {
				p.log.Warnf("monitor: critical reclaim on gpu %d failed: %v", b.GPUID, err)
			}
		case usage >= p.cfg.ReclaimThreshold:
			if _, err := p.Reclaim(b.GPUID, UrgencyHigh, 0); err != nil {
				p.log.Warnf("monitor: high-urgency reclaim on gpu %d failed: %v", b.GPUID, err)
			}
		case usage >= p.cfg.StopLendingThreshold:
			// Stop new lending only; selectLenderLocked already disqualifies
			// any GPU at or above StopLendingThreshold, so no action needed
			// here beyond the utilisation check itself.
		}
	}
}

// StopMonitor stops the background monitor and waits for it to exit.
func (p *Pool) StopMonitor() {
	p.mu.Lock()
	if !p.monitoring {
		p.mu.Unlock()
		return
	}
	p.monitoring = false
	stop := p.stopMonitor
	done := p.monitorDone
	p.mu.Unlock()

	close(stop)
	<-done
}

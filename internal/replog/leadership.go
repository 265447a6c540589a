package replog

// LeadershipMonitor serializes "become leader" and "become follower"
// transitions onto a single dedicated goroutine: a flapping
// election must never run OnBecomeLeader and OnBecomeFollower concurrently,
// and a slow recovery running on the leader callback must finish (or observe
// cancellation) before a follower teardown begins.
type LeadershipMonitor struct {
	log             *Log
	onBecomeLeader  func()
	onBecomeFollower func()

	transitions chan bool
	stop        chan struct{}
	done        chan struct{}
}

// NewLeadershipMonitor wires log's LeaderCh to the given callbacks. Start
// must be called to begin processing transitions.
func NewLeadershipMonitor(log *Log, onBecomeLeader, onBecomeFollower func()) *LeadershipMonitor {
	return &LeadershipMonitor{
		log:              log,
		onBecomeLeader:   onBecomeLeader,
		onBecomeFollower: onBecomeFollower,
		transitions:      make(chan bool, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start launches the forwarding goroutine (LeaderCh -> transitions) and the
// single processing goroutine (transitions -> callbacks).
func (m *LeadershipMonitor) Start() {
	go m.forward()
	go m.process()
}

func (m *LeadershipMonitor) forward() {
	for {
		select {
		case isLeader, ok := <-m.log.LeaderCh():
			if !ok {
				return
			}
			select {
			case m.transitions <- isLeader:
			case <-m.stop:
				return
			}
		case <-m.stop:
			return
		}
	}
}

func (m *LeadershipMonitor) process() {
	defer close(m.done)
	for {
		select {
		case isLeader := <-m.transitions:
			if isLeader {
				m.onBecomeLeader()
			} else {
				m.onBecomeFollower()
			}
		case <-m.stop:
			return
		}
	}
}

// Stop halts the monitor. It returns only after the processing goroutine
// has exited, so an in-flight callback runs to completion first; a callback
// that never returns keeps Stop blocked.
func (m *LeadershipMonitor) Stop() {
	close(m.stop)
	<-m.done
}

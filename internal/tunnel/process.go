package tunnel

import (
	"context"

	"github.com/treykane/tunnelsub/internal/events"
	"github.com/treykane/tunnelsub/internal/supervisor"
)

// Process is a running provider CLI owned by a tunnel.
type Process interface {
	ID() string
	PID() int
	Logs() []string
	Done() <-chan struct{}
	Terminate() error
}

// Spawner abstracts provider process creation for testing. On discovery
// failure a Spawner may return a non-nil Process so its logs can be kept.
type Spawner interface {
	Spawn(ctx context.Context, spec supervisor.Spec) (Process, string, error)
}

// Recorder receives lifecycle events.
type Recorder interface {
	Append(evt events.Event) error
}

type execSpawner struct{}

// ExecSpawner launches real processes through the supervisor.
func ExecSpawner() Spawner { return execSpawner{} }

func (execSpawner) Spawn(ctx context.Context, spec supervisor.Spec) (Process, string, error) {
	h, host, err := supervisor.Spawn(ctx, spec)
	if h == nil {
		return nil, host, err
	}
	return h, host, err
}

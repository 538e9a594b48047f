package orchestrator

import (
	"time"

	"github.com/tmorrow/bookweaver/pkg/models"
)

// eventBufferSize bounds the progress channel; when a consumer falls behind,
// new events are dropped rather than blocking the pipeline.
const eventBufferSize = 256

// Events returns the progress event stream. Events are advisory; dropping
// them never affects generation.
func (o *Orchestrator) Events() <-chan models.ProgressEvent {
	return o.events
}

func (o *Orchestrator) emit(phase models.Phase, unitIndex int, message string, details map[string]any) {
	event := models.ProgressEvent{
		Phase:     phase,
		UnitIndex: unitIndex,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
	select {
	case o.events <- event:
	default:
	}
}
